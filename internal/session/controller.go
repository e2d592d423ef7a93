// Package session owns the lifecycle of the single simulation session: it
// starts the engine on a worker goroutine, stops it cooperatively with a
// bounded join, and restarts it with a new configuration.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/tapsim/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultStopTimeout bounds each wait for the worker during Stop.
const DefaultStopTimeout = 5 * time.Second

// Stop results reported to MetricsRecorder.SessionStopped.
const (
	StopClean     = "clean"     // worker exited after cancellation
	StopEscalated = "escalated" // worker exited after the engine was stopped
	StopTimedOut  = "timeout"   // worker abandoned
	StopAborted   = "aborted"   // caller's context ended the wait
	StopExited    = "exited"    // engine returned on its own
	StopFault     = "fault"     // worker ended with an EngineFault
)

var errJoinTimeout = errors.New("join timeout")

// MetricsRecorder receives session lifecycle events.
type MetricsRecorder interface {
	SessionStarted(endpoints, delayMillis int)
	SessionStopped(result string, uptime time.Duration)
	SessionFaulted(phase string)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(int, int)              {}
func (noopMetrics) SessionStopped(string, time.Duration) {}
func (noopMetrics) SessionFaulted(string)                {}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithStopTimeout bounds each of the two waits Stop performs.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithFaultHandler registers a callback for faults raised by a running
// worker. It runs on the worker goroutine without the controller lock held.
func WithFaultHandler(fn func(*EngineFault)) Option {
	return func(c *Controller) {
		c.onFault = fn
	}
}

// WithTracer overrides the tracer used for lifecycle spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Controller keeps at most one session running. All methods are safe for
// concurrent use; lifecycle operations are serialized.
type Controller struct {
	factory     EngineFactory
	log         logging.Logger
	metrics     MetricsRecorder
	stopTimeout time.Duration
	onFault     func(*EngineFault)
	tracer      trace.Tracer
	now         func() time.Time

	mu        sync.Mutex
	status    Status
	config    Config
	handle    *Handle
	lastFault *EngineFault
	nextID    uint64
}

// NewController builds a stopped controller that creates engines with factory.
func NewController(factory EngineFactory, opts ...Option) *Controller {
	c := &Controller{
		factory:     factory,
		log:         logging.Noop(),
		metrics:     noopMetrics{},
		stopTimeout: DefaultStopTimeout,
		tracer:      otel.Tracer("github.com/signalsfoundry/tapsim/internal/session"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start launches a session with cfg. It returns once the worker goroutine is
// running; engine setup continues in the background.
func (c *Controller) Start(ctx context.Context, cfg Config) (*Handle, error) {
	ctx, span := c.tracer.Start(ctx, "session.Start", trace.WithAttributes(configAttrs(cfg)...))
	defer span.End()

	if err := cfg.Validate(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.startLocked(ctx, cfg)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("session.id", int64(h.ID)))
	return h, nil
}

func (c *Controller) startLocked(ctx context.Context, cfg Config) (*Handle, error) {
	if c.handle != nil {
		return nil, fmt.Errorf("%w: session %d", ErrAlreadyRunning, c.handle.ID)
	}

	c.nextID++
	id := c.nextID

	engine, err := c.factory()
	if err == nil && engine == nil {
		err = errors.New("factory returned nil engine")
	}
	if err != nil {
		fault := &EngineFault{Phase: PhaseCreate, HandleID: id, Err: err}
		c.lastFault = fault
		c.metrics.SessionFaulted(string(PhaseCreate))
		c.log.Error(ctx, "session engine could not be created",
			logging.Uint64("session_id", id),
			logging.Error(err),
		)
		return nil, fault
	}

	// The worker outlives the call that started it but keeps its values.
	wctx, cancel := context.WithCancel(logging.ContextWithSessionID(context.WithoutCancel(ctx), id))
	h := &Handle{
		ID:        id,
		Config:    cfg,
		StartedAt: c.now(),
		done:      make(chan struct{}),
		cancel:    cancel,
		engine:    engine,
	}

	launched := make(chan struct{})
	go c.work(wctx, h, launched)
	<-launched

	c.handle = h
	c.status = Running
	c.config = cfg
	c.metrics.SessionStarted(cfg.EndpointCount, cfg.DelayMillis)
	c.log.Info(wctx, "session started",
		logging.Int("delay_ms", cfg.DelayMillis),
		logging.Int("endpoints", cfg.EndpointCount),
	)
	return h, nil
}

// Stop ends the running session. It is a no-op when nothing runs. The worker
// is cancelled and joined; if it has not exited after the stop timeout the
// engine is stopped directly and the worker joined once more. Whatever the
// outcome, the controller is Stopped when Stop returns.
func (c *Controller) Stop(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "session.Stop")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stopLocked(ctx); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

func (c *Controller) stopLocked(ctx context.Context) error {
	h := c.handle
	if h == nil {
		return nil
	}
	c.handle = nil
	c.status = Stopped

	lctx := logging.ContextWithSessionID(ctx, h.ID)
	c.log.Info(lctx, "stopping session")

	h.cancel()
	result, err := c.join(lctx, h)
	uptime := c.now().Sub(h.StartedAt)
	c.metrics.SessionStopped(result, uptime)

	switch result {
	case StopClean, StopEscalated:
		c.log.Info(lctx, "session stopped",
			logging.String("result", result),
			logging.Duration("uptime", uptime),
		)
	case StopTimedOut:
		c.log.Error(lctx, "session worker leaked after stop timeout",
			logging.Duration("timeout", 2*c.stopTimeout),
		)
	default:
		c.log.Warn(lctx, "stop wait aborted; worker still exiting", logging.Error(err))
	}
	return err
}

// join waits for the worker, escalating to Engine.Stop after one timeout.
func (c *Controller) join(ctx context.Context, h *Handle) (string, error) {
	err := c.wait(ctx, h)
	if err == nil {
		return StopClean, nil
	}
	if !errors.Is(err, errJoinTimeout) {
		return StopAborted, err
	}

	c.log.Warn(ctx, "worker ignored cancellation; stopping engine",
		logging.Duration("timeout", c.stopTimeout),
	)
	h.engine.Stop()

	err = c.wait(ctx, h)
	switch {
	case err == nil:
		return StopEscalated, nil
	case errors.Is(err, errJoinTimeout):
		return StopTimedOut, fmt.Errorf("%w: session %d", ErrStopTimeout, h.ID)
	default:
		return StopAborted, err
	}
}

func (c *Controller) wait(ctx context.Context, h *Handle) error {
	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return errJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart replaces the running session, if any, with one configured by cfg.
// An invalid cfg is rejected before the running session is touched. If the
// old worker misses the stop timeout the new session is started anyway.
func (c *Controller) Restart(ctx context.Context, cfg Config) (*Handle, error) {
	ctx, span := c.tracer.Start(ctx, "session.Restart", trace.WithAttributes(configAttrs(cfg)...))
	defer span.End()

	if err := cfg.Validate(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stopLocked(ctx); err != nil {
		if !errors.Is(err, ErrStopTimeout) {
			recordSpanError(span, err)
			return nil, err
		}
		c.log.Warn(ctx, "restarting over a leaked worker", logging.Error(err))
	}

	h, err := c.startLocked(ctx, cfg)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("session.id", int64(h.ID)))
	return h, nil
}

// Status reports whether a session is running.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Config returns the configuration of the most recently started session. It
// is the zero Config before the first Start.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Handle returns the running session's handle, or nil when stopped.
func (c *Controller) Handle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// LastFault returns the most recent engine fault, if any.
func (c *Controller) LastFault() *EngineFault {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFault
}

func configAttrs(cfg Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("session.delay_ms", cfg.DelayMillis),
		attribute.Int("session.endpoints", cfg.EndpointCount),
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
