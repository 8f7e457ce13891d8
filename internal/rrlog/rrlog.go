// Package rrlog constructs the zap logger shared by every rrprof subsystem.
package rrlog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a sugared logger at the given level, mirroring the
// development-config-with-explicit-level shape used across the rest of
// this codebase's ancestry.
func New(level zapcore.Level) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Development = false
	cfg.Level.SetLevel(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), cfg.Level, nil
}

// ParseLevel parses a --log-level flag value into a zapcore.Level.
func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}
