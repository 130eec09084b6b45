// Package logging wraps go.uber.org/zap behind a small interface so that
// consensus-critical code never takes a hard dependency on zap's own
// types, only on the handful of levels the protocol actually uses: Debug
// (per-message protocol trace), Info (dropped-but-harmless conditions),
// Warn (Byzantine or stale input), Error (local failure, replica
// continues) and Panic (a fail-stop safety violation).
package logging

import (
	"go.uber.org/zap"
)

// Logger is the minimal logging surface consensus code depends on.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Panic(args ...any)
	Panicf(format string, args ...any)
	Sync() error
}

type zapLogger struct {
	*zap.SugaredLogger
}

// New returns a production zap logger (JSON, info level) wrapped as a
// Logger.
func New() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return &zapLogger{l.Sugar()}
}

// NewDevelopment returns a human-readable, debug-level logger suitable
// for tests and local runs.
func NewDevelopment() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		l = zap.NewNop()
	}
	return &zapLogger{l.Sugar()}
}

// NewNop returns a logger that discards everything, for tests that don't
// care about log output.
func NewNop() Logger {
	return &zapLogger{zap.NewNop().Sugar()}
}
