// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger at levelStr, defaulting to info on an unknown
// or empty level.
func New(levelStr string) zerolog.Logger {
	levelStr = strings.ToLower(strings.TrimSpace(levelStr))
	level := zerolog.InfoLevel
	switch levelStr {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	case "panic":
		level = zerolog.PanicLevel
	case "trace":
		level = zerolog.TraceLevel
	case "info":
		fallthrough
	default:
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "reviewbot").
		Logger().
		Level(level)
}
