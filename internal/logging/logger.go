package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/podlab/internal/config"
)

// NewLogger creates a structured zerolog.Logger writing JSON to stdout.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return New(os.Stdout, cfg.LogLevel, cfg.ServiceName)
}

// NewConsole creates a human-readable logger on stderr for interactive CLI
// use, leaving stdout to command output.
func NewConsole(cfg *config.Config) zerolog.Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, cfg.LogLevel, cfg.ServiceName)
}

// New builds a logger on w. An unknown level falls back to info.
func New(w io.Writer, levelName, service string) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
