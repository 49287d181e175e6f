//go:build bus1_debug

package bus1

import (
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// SetLogger sets the logger for the bus1 package.
func SetLogger(l *slog.Logger) {
	defaultLogger = l
}

// logDebug logs a message at Debug level.
func logDebug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// logInfo logs a message at Info level.
func logInfo(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// logWarn logs an internal-invariant violation. Warnings stay enabled in
// both build modes.
func logWarn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}
