package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/tapsim/internal/session"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("tapsim", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tapsim.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if got := cfg.Session(); got != (session.Config{DelayMillis: 0, EndpointCount: 3}) {
		t.Fatalf("Session() = %v, want delay=0 endpoints=3", got)
	}
	if cfg.StopTimeout != session.DefaultStopTimeout {
		t.Fatalf("StopTimeout = %v, want %v", cfg.StopTimeout, session.DefaultStopTimeout)
	}
	if cfg.Tracing.Enabled {
		t.Fatalf("tracing enabled by default")
	}
}

func TestParseConfigLayering(t *testing.T) {
	path := writeYAML(t, `
delay_ms: 10
nodes: 4
data_rate_bps: 1000000
stop_timeout: 2s
log:
  level: debug
tracing:
  enabled: true
  exporter: otlp
`)
	t.Setenv(EnvConfigFile, path)
	t.Setenv("TAPSIM_NODES", "6")
	t.Setenv("TAPSIM_METRICS_ADDR", ":9090")

	cfg, err := ParseConfig(newFlagSet(), []string{"-delay", "25"})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.DelayMillis != 25 {
		t.Fatalf("DelayMillis = %d, want flag value 25", cfg.DelayMillis)
	}
	if cfg.EndpointCount != 6 {
		t.Fatalf("EndpointCount = %d, want env value 6", cfg.EndpointCount)
	}
	if cfg.DataRate != 1000000 || cfg.StopTimeout != 2*time.Second {
		t.Fatalf("file values lost: rate=%d timeout=%v", cfg.DataRate, cfg.StopTimeout)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Fatalf("MetricsAddr = %q", cfg.MetricsAddr)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.ServiceName != "tapsim" {
		t.Fatalf("Tracing = %+v", cfg.Tracing)
	}
}

func TestConfigFlagOverridesEnvPath(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))
	path := writeYAML(t, "nodes: 2\n")

	cfg, err := ParseConfig(newFlagSet(), []string{"-config=" + path})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.EndpointCount != 2 {
		t.Fatalf("EndpointCount = %d, want 2 from -config file", cfg.EndpointCount)
	}
}

func TestTracingEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "tracing:\n  sample_ratio: 0.5\n")
	t.Setenv("TAPSIM_TRACING_ENABLED", "true")
	t.Setenv("TAPSIM_OTLP_ENDPOINT", "collector:4317")

	cfg, err := ParseConfig(newFlagSet(), []string{"--config", path})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4317" || cfg.Tracing.SampleRatio != 0.5 {
		t.Fatalf("Tracing = %+v", cfg.Tracing)
	}
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no nodes", []string{"-nodes", "0"}, "endpoint count"},
		{"negative delay", []string{"-delay", "-1"}, "delay"},
		{"too many nodes", []string{"-nodes", "1099511627776"}, "endpoint count"},
		{"overflowing delay", []string{"-delay", "18446744073710"}, "delay"},
		{"zero timeout", []string{"-stop-timeout", "0s"}, "stop timeout"},
		{"bad format", []string{"-log-format", "xml"}, "log format"},
		{"negative rate", []string{"-data-rate", "-5"}, "data rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(newFlagSet(), tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("ParseConfig(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestLoadFileReportsMissingFile(t *testing.T) {
	cfg := Default()
	if err := LoadFile(&cfg, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "a.yaml"}, "a.yaml"},
		{[]string{"--config=b.yaml"}, "b.yaml"},
		{[]string{"-nodes", "3"}, ""},
		{[]string{"--", "-config", "c.yaml"}, ""},
		{[]string{"---config", "d.yaml"}, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Fatalf("configPath(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
