package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{name: "empty defaults to info", level: "", expected: zerolog.InfoLevel},
		{name: "info", level: "info", expected: zerolog.InfoLevel},
		{name: "debug", level: "debug", expected: zerolog.DebugLevel},
		{name: "trace", level: "trace", expected: zerolog.TraceLevel},
		{name: "warn", level: "warn", expected: zerolog.WarnLevel},
		{name: "warning alias", level: "warning", expected: zerolog.WarnLevel},
		{name: "error", level: "error", expected: zerolog.ErrorLevel},
		{name: "fatal", level: "fatal", expected: zerolog.FatalLevel},
		{name: "disabled", level: "disabled", expected: zerolog.Disabled},
		{name: "mixed case", level: "  DeBuG  ", expected: zerolog.DebugLevel},
		{name: "garbage falls back to info", level: "verbose", expected: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestWithRequestID(t *testing.T) {
	t.Run("generates when empty", func(t *testing.T) {
		ctx, id := WithRequestID(context.Background(), "")
		if id == "" {
			t.Fatal("expected generated request id")
		}
		if RequestID(ctx) != id {
			t.Errorf("RequestID(ctx) = %q, want %q", RequestID(ctx), id)
		}
	})

	t.Run("keeps provided id", func(t *testing.T) {
		ctx, id := WithRequestID(context.Background(), "  req-42  ")
		if id != "req-42" {
			t.Errorf("id = %q, want %q", id, "req-42")
		}
		if RequestID(ctx) != "req-42" {
			t.Errorf("RequestID(ctx) = %q, want %q", RequestID(ctx), "req-42")
		}
	})

	t.Run("nil context", func(t *testing.T) {
		ctx, id := WithRequestID(nil, "x")
		if ctx == nil || id != "x" {
			t.Fatalf("WithRequestID(nil) = %v, %q", ctx, id)
		}
	})
}

func TestRequestIDMissing(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID on bare context = %q, want empty", got)
	}
	if got := RequestID(nil); got != "" {
		t.Errorf("RequestID(nil) = %q, want empty", got)
	}
}
