// Package logger builds the process-wide slog logger from configuration.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds the logger configuration.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// New returns a logger writing to w. A nil w selects stdout or stderr from
// cfg.Output, defaulting to stderr so command output on stdout stays clean.
// Unknown levels fall back to info.
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		switch cfg.Output {
		case "stdout":
			w = os.Stdout
		default:
			w = os.Stderr
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
