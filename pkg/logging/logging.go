// Package logging builds the zap loggers used across the engine.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger for the given level and environment. In
// "development" it uses a console encoder with capital-color levels and
// ISO8601 timestamps; any other environment switches to JSON encoding for
// log aggregation.
func New(level, env string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if env == "development" {
		cfg.Encoding = "console"
		cfg.Development = true
	} else {
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	return cfg.Build()
}

// WithCorrelation returns a child logger carrying the correlation/causation
// pair that every pipeline handler must propagate.
func WithCorrelation(logger *zap.Logger, correlationID, causationID string) *zap.Logger {
	return logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("causation_id", causationID),
	)
}
