package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/posprint/internal/config"
)

// New constructs the service logger from the logging section of the config.
func New(cfg config.LoggingConfig) zerolog.Logger {
	return newWithWriter(cfg, os.Stdout)
}

func newWithWriter(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "text" || cfg.Format == "plain" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: cfg.Format == "plain"}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}
