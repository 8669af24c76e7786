package privacylog

import (
	"io"
	"log/slog"
	"strings"
)

// NewJSONLogger returns a JSON logger whose attributes pass through the
// sanitizer.
func NewJSONLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
