// Command tapsim runs a broadcast LAN simulation bridged to host TAP
// interfaces tap0-ns..tapN-1-ns and reads operator commands from stdin:
//
//	stop   stop the running session
//	chgd   restart with a new channel delay in milliseconds
//	chgn   restart with a new number of endpoints
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/signalsfoundry/tapsim/internal/config"
	"github.com/signalsfoundry/tapsim/internal/console"
	"github.com/signalsfoundry/tapsim/internal/logging"
	"github.com/signalsfoundry/tapsim/internal/netsim"
	"github.com/signalsfoundry/tapsim/internal/observability"
	"github.com/signalsfoundry/tapsim/internal/session"
	"github.com/signalsfoundry/tapsim/internal/tap"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, tap.Open)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tapsim:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, opener tap.Opener) error {
	fs := flag.NewFlagSet("tapsim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, err := config.ParseConfig(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: logFormat(cfg.Log.Format, stderr),
		Output: stderr,
	})

	cfg.Tracing.Output = stderr
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sessionMetrics, err := observability.NewSessionCollector(reg)
	if err != nil {
		return fmt.Errorf("init session metrics: %w", err)
	}
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("init engine metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, sessionMetrics, log)

	ctrl := session.NewController(
		session.NetsimFactory(
			netsim.WithLogger(log),
			netsim.WithMetricsRecorder(engineMetrics),
			netsim.WithDataRate(cfg.DataRate),
			netsim.WithInterfaceOpener(opener),
		),
		session.WithLogger(log),
		session.WithMetricsRecorder(sessionMetrics),
		session.WithStopTimeout(cfg.StopTimeout),
	)

	if _, err := ctrl.Start(ctx, cfg.Session()); err != nil {
		return fmt.Errorf("start initial session: %w", err)
	}

	loop := console.New(stdin, stdout, ctrl,
		console.WithLogger(log),
		console.WithMetricsRecorder(sessionMetrics),
	)
	loopErr := loop.Run(ctx)
	if errors.Is(loopErr, context.Canceled) {
		log.Info(context.Background(), "interrupted; shutting down")
		loopErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.StopTimeout+time.Second)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		log.Warn(stopCtx, "final session stop failed", logging.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
	return loopErr
}

// logFormat defaults to text on a terminal and JSON everywhere else.
func logFormat(configured string, out io.Writer) string {
	if configured != "" {
		return configured
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

func serveMetrics(addr string, collector *observability.SessionCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Error(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
