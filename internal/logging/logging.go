// Package logging builds the zap loggers used across keel.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction
type Options struct {
	// Disabled returns a no-op logger
	Disabled bool
	// Debug switches to a colored console encoder at debug level
	Debug bool
	// Level overrides the minimum level ("debug", "info", "warn", "error")
	Level string
	// OutputPaths defaults to stderr
	OutputPaths []string
}

// New builds a logger. Production loggers write JSON at info level.
func New(opts Options) (*zap.Logger, error) {
	if opts.Disabled {
		return zap.NewNop(), nil
	}

	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Sampling = nil
	}

	if opts.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
		cfg.ErrorOutputPaths = opts.OutputPaths
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("keel"), nil
}
