// Package console reads operator commands from a stream and turns them into
// session controller calls.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/signalsfoundry/tapsim/internal/logging"
	"github.com/signalsfoundry/tapsim/internal/session"
)

// Prompts written before each read.
const (
	PromptCommand = "> "
	PromptDelay   = "delay > "
	PromptNodes   = "n nodes > "
)

// ErrInvalidInput indicates a token that should have been an integer.
var ErrInvalidInput = errors.New("console: invalid input")

// Controller is the part of the session controller the loop drives.
type Controller interface {
	Stop(ctx context.Context) error
	Restart(ctx context.Context, cfg session.Config) (*session.Handle, error)
	Config() session.Config
}

// CommandRecorder counts dispatched commands.
type CommandRecorder interface {
	CommandHandled(command string)
}

type noopRecorder struct{}

func (noopRecorder) CommandHandled(string) {}

// Option customises a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l logging.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// WithMetricsRecorder attaches a command counter.
func WithMetricsRecorder(r CommandRecorder) Option {
	return func(lp *Loop) {
		if r != nil {
			lp.metrics = r
		}
	}
}

// Loop is the interactive command loop.
type Loop struct {
	in      io.Reader
	out     io.Writer
	ctrl    Controller
	log     logging.Logger
	metrics CommandRecorder
}

// New builds a loop reading whitespace-separated tokens from in and writing
// prompts and acknowledgements to out.
func New(in io.Reader, out io.Writer, ctrl Controller, opts ...Option) *Loop {
	l := &Loop{
		in:      in,
		out:     out,
		ctrl:    ctrl,
		log:     logging.Noop(),
		metrics: noopRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

type token struct {
	text string
	err  error
}

// Run processes commands until the input ends, a read fails or ctx is done.
// End of input returns nil.
func (l *Loop) Run(ctx context.Context) error {
	tokens := make(chan token)
	go l.scan(ctx, tokens)

	for {
		l.print(PromptCommand)
		cmd, err := l.next(ctx, tokens)
		if err != nil {
			return l.finish(err)
		}
		if err := l.dispatch(ctx, cmd, tokens); err != nil {
			return l.finish(err)
		}
	}
}

// scan feeds tokens to Run so that a blocked read never delays cancellation.
func (l *Loop) scan(ctx context.Context, tokens chan<- token) {
	defer close(tokens)

	sc := bufio.NewScanner(l.in)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		select {
		case tokens <- token{text: sc.Text()}:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case tokens <- token{err: err}:
		case <-ctx.Done():
		}
	}
}

func (l *Loop) next(ctx context.Context, tokens <-chan token) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case tok, ok := <-tokens:
		if !ok {
			return "", io.EOF
		}
		if tok.err != nil {
			return "", fmt.Errorf("console: read command: %w", tok.err)
		}
		return tok.text, nil
	}
}

func (l *Loop) finish(err error) error {
	if errors.Is(err, io.EOF) {
		l.log.Debug(context.Background(), "command input closed")
		return nil
	}
	return err
}

func (l *Loop) dispatch(ctx context.Context, cmd string, tokens <-chan token) error {
	switch cmd {
	case "stop":
		l.metrics.CommandHandled(cmd)
		l.log.Debug(ctx, "command", logging.String("command", cmd))
		l.println("stopping")
		if err := l.ctrl.Stop(ctx); err != nil {
			l.println("error: " + err.Error())
		}
	case "chgd":
		l.metrics.CommandHandled(cmd)
		delay, err := l.readInt(ctx, PromptDelay, tokens)
		if err != nil {
			return err
		}
		cfg := l.ctrl.Config()
		cfg.DelayMillis = delay
		l.restart(ctx, cmd, cfg)
	case "chgn":
		l.metrics.CommandHandled(cmd)
		n, err := l.readInt(ctx, PromptNodes, tokens)
		if err != nil {
			return err
		}
		cfg := l.ctrl.Config()
		cfg.EndpointCount = n
		l.restart(ctx, cmd, cfg)
	default:
		l.metrics.CommandHandled("unknown")
		l.log.Debug(ctx, "ignoring unknown command", logging.String("command", cmd))
	}
	return nil
}

func (l *Loop) restart(ctx context.Context, cmd string, cfg session.Config) {
	l.log.Debug(ctx, "command",
		logging.String("command", cmd),
		logging.Int("delay_ms", cfg.DelayMillis),
		logging.Int("endpoints", cfg.EndpointCount),
	)
	if _, err := l.ctrl.Restart(ctx, cfg); err != nil {
		l.println("error: " + err.Error())
	}
}

// readInt prompts until an integer token arrives. Malformed tokens are
// reported and never reach the controller.
func (l *Loop) readInt(ctx context.Context, prompt string, tokens <-chan token) (int, error) {
	for {
		l.print(prompt)
		tok, err := l.next(ctx, tokens)
		if err != nil {
			return 0, err
		}
		n, err := parseInt(tok)
		if err == nil {
			return n, nil
		}
		l.println("invalid input: " + tok)
	}
}

func parseInt(tok string) (int, error) {
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInput, tok)
	}
	return n, nil
}

func (l *Loop) print(s string) {
	_, _ = io.WriteString(l.out, s)
}

func (l *Loop) println(s string) {
	_, _ = io.WriteString(l.out, s+"\n")
}
