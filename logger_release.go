//go:build !bus1_debug

package bus1

import (
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// SetLogger sets the logger for the bus1 package.
// In release mode only warnings are emitted, but the signature must match to
// allow user code to compile either way.
func SetLogger(l *slog.Logger) {
	defaultLogger = l
}

// logDebug is a no-op in release mode.
// The compiler will inline and remove calls to this function.
func logDebug(msg string, args ...any) {}

// logInfo is a no-op in release mode.
func logInfo(msg string, args ...any) {}

// logWarn logs an internal-invariant violation. Violations abort the
// surrounding operation but are never silent.
func logWarn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}
