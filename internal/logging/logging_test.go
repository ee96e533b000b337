package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/baranov-labs/h2session/internal/config"
)

func TestNewDefaultsToInfoConsole(t *testing.T) {
	log, err := New(config.LoggingConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Sync()
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level enabled by default")
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level disabled by default")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "not-a-level"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}
