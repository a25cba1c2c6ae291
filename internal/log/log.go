// Package log configures the process-wide zerolog logger and hands out
// component-scoped child loggers to the rest of the storage proxy.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the logging.level configuration option.
type Level string

const (
	Debug Level = "debug"
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config mirrors the `logging` configuration block.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Logger is the process-wide root logger, set by Init.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init builds the root logger from cfg. Debug mode (cfg.Level == Debug)
// always wins regardless of what logging.level says, matching the
// storage-proxy --debug flag's effect on verbosity.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}

	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name
// (e.g. "volume.posix", "api.manager", "xfs.registry").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithVolume returns a child logger scoped to a volume name on top of an
// existing component logger.
func WithVolume(l zerolog.Logger, volume string) zerolog.Logger {
	return l.With().Str("volume", volume).Logger()
}

// WithRequestID returns a child logger carrying a per-request correlation id.
func WithRequestID(l zerolog.Logger, requestID string) zerolog.Logger {
	return l.With().Str("request_id", requestID).Logger()
}
