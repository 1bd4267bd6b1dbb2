// Package logging builds the zap logger shared by the CLI and the HTTP server.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the encoder preset and verbosity.
type Options struct {
	// Development switches to the console encoder with colored levels.
	Development bool
	// Level overrides the preset's minimum level when non-empty.
	Level string
	// Service is attached to every entry as the "service" field.
	Service string
	// OutputPaths replaces the default stderr sink when set.
	OutputPaths []string
}

// New builds a logger from opts. Production output is JSON.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if level := strings.TrimSpace(opts.Level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if svc := strings.TrimSpace(opts.Service); svc != "" {
		cfg.InitialFields = map[string]any{"service": svc}
	}
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
