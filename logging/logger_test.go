package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
)

func TestLogger_Formats(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment},
		{Level: "info", Format: "json", Environment: EnvProduction},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerTo(&buf, config)

			logger.Info("Info message", slog.Int("count", 42))
			childLogger := logger.WithComponent(Component("engine"))
			childLogger.Info("Child logger message")

			out := buf.String()
			if !strings.Contains(out, "Info message") || !strings.Contains(out, "engine") {
				t.Fatalf("unexpected output:\n%s", out)
			}
			if config.Format == "json" && !strings.HasPrefix(out, "{") {
				t.Fatalf("expected JSON output, got:\n%s", out)
			}
		})
	}
}

func TestDynamicLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, levelVar := NewLoggerWithDynamicLevel(&buf, Config{Level: "info", Format: "text"})

	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug message logged at info level")
	}

	if !levelVar.SetFromString("debug") {
		t.Fatalf("expected debug to be accepted")
	}
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug message missing after level change")
	}

	if levelVar.SetFromString("loud") {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestLogError_RendersSyncError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "json"})

	err := &syncErrors.SyncError{
		Op:        syncErrors.OpExecute,
		Component: "engine",
		Kind:      syncErrors.KindTransient,
		Code:      syncErrors.ErrCodeRetriesExhausted,
		Err:       fmt.Errorf("upstream timeout"),
		Metadata:  map[string]any{"retries": 3},
	}
	logger.LogError(context.Background(), fmt.Errorf("wrapped: %w", err), "attempt failed")

	out := buf.String()
	for _, want := range []string{`"sync_error"`, `"kind":"transient"`, `"retries":3`, `"caller"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in output:\n%s", want, out)
		}
	}
}

func TestLogOperation_PropagatesError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "text"})

	want := fmt.Errorf("boom")
	got := logger.LogOperation(context.Background(), Operation("flush"), Component("engine"), func() error {
		return want
	})
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !strings.Contains(buf.String(), "operation failed") {
		t.Fatalf("expected failure to be logged:\n%s", buf.String())
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("SYNC_ENV", EnvDevelopment)
	t.Setenv("SYNC_LOG_FORMAT", "")

	cfg := ApplyEnv(Config{Level: "info"})
	if cfg.Level != "debug" {
		t.Errorf("level = %q", cfg.Level)
	}
	if cfg.Format != "text" || !cfg.AddSource {
		t.Errorf("expected development defaults, got %+v", cfg)
	}
}
