// Package logger builds the process-wide structured logger.
//
// Every subsystem receives the same *slog.Logger instance; level and output
// format come from configuration so deployments can switch between
// machine-readable JSON and human-readable text without a rebuild.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New constructs a logger writing to stdout. Unknown level strings fall back
// to info, unknown formats to JSON.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	l := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
