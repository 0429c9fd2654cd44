// Package logging builds the structured loggers used by tracething.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys shared across packages.
const (
	KeyComponent = "component"
	KeyInterface = "interface"
	KeySrc       = "src"
	KeyDst       = "dst"
	KeyHopLimit  = "hop_limit"
	KeyRegion    = "region"
	KeyAction    = "action"
	KeyReason    = "reason"
	KeyID        = "id"
	KeySeq       = "seq"
	KeyError     = "error"
)
