package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup builds the process logger. Dev mode switches to a console writer at
// debug level with stack traces attached to errors.
func Setup(dev bool) zerolog.Logger {
	return build(os.Stderr, dev)
}

// Install builds the process logger and makes it the global logger used by
// the library packages.
func Install(dev bool) zerolog.Logger {
	logger := Setup(dev)
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger
}

func build(out io.Writer, dev bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.TimeOnly)
		}}).Level(level).With().Caller().Stack().Logger()
	}

	return logger
}
