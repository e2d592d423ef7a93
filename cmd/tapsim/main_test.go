package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/tapsim/internal/logging"
	"github.com/signalsfoundry/tapsim/internal/observability"
	"github.com/signalsfoundry/tapsim/internal/tap"
)

func pipeOpener(name string) (tap.Interface, error) {
	engine, _ := tap.Pipe(name)
	return engine, nil
}

func TestRunProcessesCommandsUntilEOF(t *testing.T) {
	var stdout, stderr bytes.Buffer
	input := strings.NewReader("chgn 2\nchgd 15\nbogus\nstop\n")

	err := run(context.Background(),
		[]string{"-nodes", "3", "-stop-timeout", "2s", "-log-format", "json", "-log-level", "debug"},
		input, &stdout, &stderr, pipeOpener)
	if err != nil {
		t.Fatalf("run: %v\nstderr:\n%s", err, stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{"> ", "n nodes > ", "delay > ", "stopping\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout %q missing %q", out, want)
		}
	}
	logs := stderr.String()
	if strings.Count(logs, `"msg":"session started"`) != 3 {
		t.Fatalf("want three session starts in logs:\n%s", logs)
	}
	if !strings.Contains(logs, `"session_id":3`) {
		t.Fatalf("logs missing restarted session id:\n%s", logs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-log-format", "text", "-metrics-addr", "127.0.0.1:0"}, pr, io.Discard, io.Discard, pipeOpener)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	err := run(context.Background(), []string{"-nodes", "0"}, strings.NewReader(""), io.Discard, io.Discard, pipeOpener)
	if err == nil {
		t.Fatalf("expected error for zero nodes")
	}
	if err := run(context.Background(), []string{"-h"}, strings.NewReader(""), io.Discard, io.Discard, pipeOpener); err != nil {
		t.Fatalf("-h returned %v, want nil", err)
	}
}

func TestLogFormatDefaultsToJSONOffTerminal(t *testing.T) {
	if got := logFormat("", &bytes.Buffer{}); got != "json" {
		t.Fatalf("logFormat = %q, want json", got)
	}
	if got := logFormat("text", &bytes.Buffer{}); got != "text" {
		t.Fatalf("configured format overridden: %q", got)
	}
}

func TestServeMetricsHandler(t *testing.T) {
	if srv := serveMetrics("", nil, logging.Noop()); srv != nil {
		t.Fatalf("metrics server started without an address")
	}

	collector, err := observability.NewSessionCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewSessionCollector: %v", err)
	}
	srv := serveMetrics("127.0.0.1:0", collector, logging.Noop())
	defer srv.Close()

	collector.SessionStarted(3, 0)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "session_running 1") {
		t.Fatalf("/metrics = %d %s", rr.Code, rr.Body.String())
	}
}
