// Package logging constructs the zap logger shared by cmd/h2server and
// cmd/h2client.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/baranov-labs/h2session/internal/config"
)

// New builds a *zap.Logger from a LoggingConfig, defaulting to an info-level
// console encoder if cfg is the zero value.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("logging: bad level %q: %w", cfg.Level, err)
		}
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "console"
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger, nil
}

// WithCorrelationID returns a child logger tagged with a connection/request
// correlation id, matching the conn_id/req_id fields h2core attaches per
// connection and per stream.
func WithCorrelationID(log *zap.Logger, key, id string) *zap.Logger {
	return log.With(zap.String(key, id))
}
