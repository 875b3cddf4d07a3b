// Package logging builds the daemon's zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger.
// mode: "development" (console, debug and up) or "production" (JSON, info and up).
// level overrides the mode's default when it parses; "" keeps the default.
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
	case "production", "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log mode %q", mode)
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	// One record per uevent must not be dropped under bursts.
	cfg.Sampling = nil

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("mdevd"), nil
}

// Close flushes buffered entries. Sync errors on a terminal stderr are
// expected and ignored.
func Close(logger *zap.Logger) {
	if logger != nil {
		_ = logger.Sync()
	}
}
