package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONLoggerIncludesSessionID(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithSessionID(context.Background(), 7)
	log.With(String("component", "session")).Info(ctx, "session started", Int("endpoints", 3))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", buf.String(), err)
	}
	if got := line["msg"]; got != "session started" {
		t.Fatalf("msg = %v, want %q", got, "session started")
	}
	if got := line["session_id"]; got != float64(7) {
		t.Fatalf("session_id = %v, want 7", got)
	}
	if got := line["component"]; got != "session" {
		t.Fatalf("component = %v, want session", got)
	}
	if got := line["endpoints"]; got != float64(3) {
		t.Fatalf("endpoints = %v, want 3", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "text", Output: &buf})

	log.Info(context.Background(), "dropped")
	log.Warn(context.Background(), "kept", Error(errors.New("boom")))

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "error=boom") {
		t.Fatalf("warn line missing or incomplete: %q", out)
	}
}

func TestSessionIDFromContextMissing(t *testing.T) {
	if _, ok := SessionIDFromContext(context.Background()); ok {
		t.Fatalf("expected no session id on a bare context")
	}
}

func TestNoopLogger(t *testing.T) {
	log := Noop().With(String("k", "v"))
	log.Error(context.Background(), "ignored", Error(nil))
}
