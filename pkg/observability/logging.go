// Package observability provides structured logging and OpenTelemetry
// tracing for the gateway.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process logger from the logging config values.
// Format is "json" or "text"; anything else falls back to text. A nil
// writer logs to stderr.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a config level string onto a slog level. Unknown values
// mean info; a bad level should not keep the gateway from starting.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
