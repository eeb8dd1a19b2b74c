package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ikanisa/lawai-sub007/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewJSONCarriesServiceAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "lawai-agent", Format: "json"}, &buf, true)

	ctx := WithRequestID(context.Background(), "tick-7")
	l.InfoContext(ctx, "jobs claimed", "count", 2)
	l.Debug("hidden")
	closer.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["service"] != "lawai-agent" {
		t.Errorf("service = %v", rec["service"])
	}
	if rec["request_id"] != "tick-7" {
		t.Errorf("request_id = %v", rec["request_id"])
	}
	if rec["count"] != float64(2) {
		t.Errorf("count = %v", rec["count"])
	}
}

func TestNewAsyncKeepsRequestID(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "svc", Format: "json", Async: true}, &buf, false)

	l.InfoContext(WithRequestID(context.Background(), "req-async"), "queued")
	closer.Close()

	if !strings.Contains(buf.String(), `"request_id":"req-async"`) {
		t.Fatalf("expected request id in async output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"service":"svc"`) {
		t.Fatalf("expected service attr in async output, got %q", buf.String())
	}
}

func TestUseText(t *testing.T) {
	tests := []struct {
		format string
		tty    bool
		want   bool
	}{
		{"text", false, true},
		{"json", true, false},
		{"auto", true, true},
		{"auto", false, false},
		{"", true, true},
	}
	for _, tt := range tests {
		if got := useText(tt.format, tt.tty); got != tt.want {
			t.Errorf("useText(%q, %v) = %v, want %v", tt.format, tt.tty, got, tt.want)
		}
	}
}

func TestNop(t *testing.T) {
	l := OrNop(nil)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	if l.Enabled(context.Background(), 12) {
		t.Fatal("expected nop logger to be disabled")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()

	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}
