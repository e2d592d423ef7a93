package observability

import (
	"bytes"
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestTracingConfigNormalize(t *testing.T) {
	cfg := TracingConfig{Exporter: " OTLP ", SampleRatio: 7}
	cfg.normalize()

	if cfg.Exporter != "otlp" {
		t.Fatalf("Exporter = %q, want otlp", cfg.Exporter)
	}
	if cfg.SampleRatio != 1.0 {
		t.Fatalf("SampleRatio = %v, want fallback 1.0", cfg.SampleRatio)
	}
	if cfg.ServiceName != "tapsim" {
		t.Fatalf("ServiceName = %q, want tapsim", cfg.ServiceName)
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	cfg.Output = &buf

	shutdown, err := InitTracing(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "session.Start")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	if !bytes.Contains(buf.Bytes(), []byte("session.Start")) {
		t.Fatalf("stdout exporter output missing span name: %s", buf.String())
	}

	if _, err := InitTracing(context.Background(), TracingConfig{}, nil); err != nil {
		t.Fatalf("InitTracing disabled: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	cfg.Exporter = "zipkin"
	if _, err := InitTracing(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
