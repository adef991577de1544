// Package logger configures the process-wide slog handler and provides
// helpers for deriving component- and partition-scoped loggers.
package logger

import (
	"log/slog"
	"os"
)

// Setup installs the default slog handler for the process. Format is "json"
// or "text"; level is one of debug, info, warn, error.
func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// WithPartition returns a logger tagged with a component and the partition a
// worker owns.
func WithPartition(component string, partition int) *slog.Logger {
	return slog.Default().With("component", component, "partition", partition)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
