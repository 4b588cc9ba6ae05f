// Package logging defines the Logger seam every other package depends on
// and a zap-backed default implementation, matching the teacher's pattern
// of depending on a small Printf-style interface (internal/sync/sync.go
// Logger) rather than a concrete logging package directly.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger is the minimal logging surface the sync core depends on.
// Production code takes a Logger, never *zap.Logger directly, so tests
// can swap in a no-op or a recording implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	With(fields ...interface{}) Logger
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds the default production Logger: JSON output at info level,
// via zap's production configuration.
func NewZap() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap logger: %w", err)
	}
	return &zapLogger{sugar: z.Sugar()}, nil
}

// NewZapDevelopment builds a human-readable, debug-level Logger suitable
// for CLI use.
func NewZapDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap dev logger: %w", err)
	}
	return &zapLogger{sugar: z.Sugar()}, nil
}

func (l *zapLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

func (l *zapLogger) With(fields ...interface{}) Logger {
	return &zapLogger{sugar: l.sugar.With(fields...)}
}

// Nop is a Logger that discards everything, used as a safe default and in
// tests that don't care about log output.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (n nopLogger) With(...interface{}) Logger  { return n }
