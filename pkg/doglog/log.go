package doglog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Zero is the process-wide logger. Its level is reconfigured from the
// [general] section at startup and on every config reload.
var Zero = NewZeroLogger("")

func NewZeroLogger(filepath string) *zerolog.Logger {
	var output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	if filepath != "" {
		if f, err := os.OpenFile(filepath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			output.Out = f
		}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	return &logger
}

func UpdateZeroLogLevel(logLevel string) error {
	level := parseLevel(logLevel)
	zeroLogger := Zero.With().Logger().Level(level)
	Zero = &zeroLogger
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
