package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a leveled structured logger.
// level: "trace", "debug", "info", "warn", "error" (default "info").
// format: "json" or "console" (default "console").
func New(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if strings.ToLower(format) == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	return log.Level(lvl).With().Timestamp().Logger()
}
