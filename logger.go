package zrel

import (
	"log/slog"
	"sync/atomic"
)

var defaultLogger atomic.Pointer[slog.Logger]

// SetLogger sets the logger copied into models, coordinators and relation
// clients created afterwards. Passing nil restores slog.Default().
func SetLogger(l *slog.Logger) {
	defaultLogger.Store(l)
}

// Logger returns the package logger.
func Logger() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}
