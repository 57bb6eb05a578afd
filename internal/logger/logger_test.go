package logger

import (
	"testing"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
		{"unknown level falls back", "verbose", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerMethods(t *testing.T) {
	Setup("debug", "json")

	Log.Debug("debug message", "tokens", 42)
	Log.Info("info message", "pages", 8, "layer", 0)
	Log.Warn("warn message")
	Log.Error("error message", "err", "boom")

	// Odd trailing key and non-string key must not panic.
	Log.Info("odd args", "dangling")
	Log.Info("bad key", 3, "value")
}

func TestWithComponent(t *testing.T) {
	Setup("info", "json")
	child := With("paged_cache")
	if child == nil {
		t.Fatal("expected child logger")
	}
	child.Info("component message", "pages", 2)
}
