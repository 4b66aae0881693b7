package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the JSON logger every binary uses. Level comes from LOG_LEVEL
// (debug/info/warn/error), defaulting to info; the service name is attached
// to every record.
func New(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level(os.Getenv("LOG_LEVEL")),
	})
	return slog.New(h).With("service", service)
}

func level(s string) slog.Level {
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
