package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/notehub/internal/config"
)

// NewLogger creates the root structured logger. Components derive their own
// loggers from it with a "component" field.
func NewLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "notehub").
		Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
