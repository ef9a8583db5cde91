// Package observability provides logging, metrics, and tracing utilities
// shared by every server component.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/gtserver/internal/config"
)

// NewLogger creates a structured logger from the given logging configuration.
// Any fields are attached to every entry the logger writes.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, fields ...zap.Field) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Receive-path warnings can burst under a misbehaving client.
	zapCfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}

	logger, err := zapCfg.Build(zap.Fields(fields...))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// InstanceLogger scopes logger to a single server instance.
func InstanceLogger(logger *zap.Logger, id uint8, addr string) *zap.Logger {
	return logger.Named("instance").With(
		zap.Uint8("instance", id),
		zap.String("bind_addr", addr),
	)
}
