package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a text logger writing to w at the named level. verbose
// lowers the level by one step per count, down to debug.
func NewLogger(w io.Writer, level string, verbose int) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := ParseLevel(level) - slog.Level(4*verbose)
	if lvl < slog.LevelDebug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// ParseLevel maps a level name to a slog level. Unknown names are warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
