package logger

import (
	"log/slog"
	"os"
	"strings"
)

// L is the process-wide logger. Init replaces it; callers that run before
// Init see the default text handler.
var L = slog.Default()

// Init configures the global logger from config values. Unknown levels fall
// back to info, unknown formats to text.
func Init(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	L = slog.New(handler)
	slog.SetDefault(L)
}
