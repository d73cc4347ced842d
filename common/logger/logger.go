package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger writing to stdout.
// LOG_LEVEL selects the level and LOG_FORMAT=text switches away from JSON.
func NewLogger(serviceName string) *slog.Logger {
	return New(os.Stdout, serviceName, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// New builds the logger on an arbitrary writer.
func New(w io.Writer, serviceName, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: getLogLevel(level),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	// Add service name to all log entries
	return slog.New(handler).With(slog.String("service", serviceName))
}

func getLogLevel(levelStr string) slog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
