package logging

import (
	"io"
	"log/slog"

	"github.com/MatusOllah/slogcolor"
	"github.com/kabili207/iamhere-server/pkg/config"
)

// New builds the process logger. Colored output is meant for terminals; the
// JSON handler is used everywhere else.
func New(cfg config.Log, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.Level)

	var h slog.Handler
	if cfg.Color {
		opts := *slogcolor.DefaultOptions
		opts.Level = level
		h = slogcolor.NewHandler(w, &opts)
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

// ParseLevel maps names like "debug" or "WARN" to a level, falling back to
// info for anything it does not recognise.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
