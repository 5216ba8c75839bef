package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info, development uses human-readable
// text at debug. A non-empty level ("debug", "info", "warn", "error")
// overrides the environment's default; an unknown one is ignored.
func NewLogger(env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, withLevel(opts, level))
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, withLevel(opts, level))
	}

	return slog.New(handler)
}

func withLevel(opts *slog.HandlerOptions, level string) *slog.HandlerOptions {
	if level == "" {
		return opts
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err == nil {
		opts.Level = l
	}

	return opts
}
