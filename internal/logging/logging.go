// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/config"
)

// Setup installs the global logger described by cfg, tagged with component.
// An unknown level falls back to info.
func Setup(cfg config.LoggerConfig, component string) zerolog.Logger {
	return SetupWriter(cfg, component, os.Stderr)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(cfg config.LoggerConfig, component string, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := w
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Str("component", component).Logger()
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return logger
}
