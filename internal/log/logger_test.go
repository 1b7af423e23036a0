package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, JSON: true, Output: &buf, Component: ComponentLedger})

	logger.Debug("hidden")
	logger.Info("Transaction posted", FieldTransactionID, 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry[FieldComponent] != ComponentLedger || entry[FieldTransactionID] != 7.0 {
		t.Errorf("entry = %v", entry)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf}).WithComponent(ComponentHTTP)
	logger.Info("hello")

	if logger.Component() != ComponentHTTP {
		t.Errorf("Component() = %q", logger.Component())
	}
	if n := strings.Count(buf.String(), `"component"`); n != 1 {
		t.Errorf("component key appears %d times: %s", n, buf.String())
	}
	if !strings.Contains(buf.String(), `"component":"http"`) {
		t.Errorf("output = %s", buf.String())
	}
}

func TestFor(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		defaultLogger.Store(nil)
		slog.SetDefault(prev)
	})

	var buf bytes.Buffer
	SetDefault(New(Config{JSON: true, Output: &buf}))
	For(ComponentStorage).Info("Account saved", FieldAccountID, 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if entry[FieldComponent] != ComponentStorage || entry[FieldAccountID] != 3.0 {
		t.Errorf("entry = %v", entry)
	}
	if n := strings.Count(buf.String(), `"component"`); n != 1 {
		t.Errorf("component key appears %d times: %s", n, buf.String())
	}
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})

	var got *Logger
	h := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context()).With(FieldRequestID, "req-1")
		got.InfoContext(r.Context(), "inside")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got == nil || got.Component() != ComponentApp {
		t.Fatal("logger missing from context")
	}
	if !strings.Contains(buf.String(), `"request_id":"req-1"`) {
		t.Errorf("output = %s", buf.String())
	}
}

func TestFromContextDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext should never return nil")
	}
}

func TestLogHTTPEnd(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{200, "INFO"},
		{409, "WARN"},
		{500, "ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		ctx := WithContext(context.Background(), New(Config{JSON: true, Output: &buf, Component: ComponentHTTP}))
		r := httptest.NewRequest(http.MethodPost, "/api/v1/commands/get_accounts", nil)

		LogHTTPEnd(ctx, r, tt.status, 3, "127.0.0.1")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatal(err)
		}
		if entry["level"] != tt.level || entry[FieldPath] != "/api/v1/commands/get_accounts" || entry[FieldSuccess] != (tt.status < 400) {
			t.Errorf("status %d: entry = %v", tt.status, entry)
		}
	}
}
