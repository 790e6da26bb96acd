package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestInitWithOptions_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alertd.log")
	logger := InitWithOptions("alertd", Options{Level: slog.LevelDebug, File: path})
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("hello")
}

func TestNew_EmbedsService(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "alertd", slog.LevelInfo).Info("checked", "alert_id", 7)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "alertd" {
		t.Errorf("expected service=alertd, got %v", line["service"])
	}
	if line["alert_id"] != 7.0 {
		t.Errorf("expected alert_id=7, got %v", line["alert_id"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}

	ctx = WithTraceID(ctx, "test-trace-123")
	if tid := TraceID(ctx); tid != "test-trace-123" {
		t.Errorf("expected 'test-trace-123', got %q", tid)
	}
}

func TestNewTraceID(t *testing.T) {
	tid := NewTraceID("crypto")
	if !strings.HasPrefix(tid, "crypto-") {
		t.Errorf("expected trace id to start with 'crypto-', got %s", tid)
	}
	if NewTraceID("crypto") == tid {
		t.Error("expected unique trace ids")
	}
	if len(NewTraceID("")) != 36 {
		t.Error("expected bare uuid without prefix")
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "keep")
	if TraceID(EnsureTraceID(ctx, "x")) != "keep" {
		t.Error("expected existing trace id kept")
	}
	if TraceID(EnsureTraceID(context.Background(), "x")) == "" {
		t.Error("expected trace id minted")
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()

	if attrs := LogWithTrace(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}

	ctx = WithTraceID(ctx, "abc-123")
	if attrs := LogWithTrace(ctx); len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with trace id set")
	}
}
