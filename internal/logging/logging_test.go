package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		level   string
		debugOn bool
		infoOn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"unknown", false, true}, // falls back to info
	}
	for _, tc := range cases {
		logger := New(tc.level, "json")
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tc.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", tc.level, got, tc.debugOn)
		}
		if got := logger.Enabled(context.Background(), slog.LevelInfo); got != tc.infoOn {
			t.Errorf("level %q: info enabled = %v, want %v", tc.level, got, tc.infoOn)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("empty context request id = %q", got)
	}
	ctx = WithRequestID(ctx, "req_42")
	if got := RequestID(ctx); got != "req_42" {
		t.Errorf("request id = %q, want req_42", got)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("bare context must yield the default logger")
	}
	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("context logger was not returned")
	}
}

func TestLAnnotatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req_42")

	L(ctx).Info("order settled", "order_id", "ord_1")

	var line struct {
		Msg       string `json:"msg"`
		RequestID string `json:"request_id"`
		OrderID   string `json:"order_id"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line.Msg != "order settled" {
		t.Errorf("msg = %q", line.Msg)
	}
	if line.RequestID != "req_42" {
		t.Errorf("request_id = %q, want req_42", line.RequestID)
	}
	if line.OrderID != "ord_1" {
		t.Errorf("order_id = %q", line.OrderID)
	}
}

func TestLWithoutRequestIDAddsNothing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := WithLogger(context.Background(), logger)

	L(ctx).Info("wallet reconciled")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if _, ok := line["request_id"]; ok {
		t.Error("request_id present without one on the context")
	}
}
