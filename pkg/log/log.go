// Package log provides structured logging for the reactor daemon using zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger
)

// Level represents a log level as configured in the reactor config file.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration for a single sink.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger from a single sink config.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// InitMulti initializes the global logger so it writes to every configured
// sink simultaneously (the reactor config's "log" field is a list).
func InitMulti(cfgs []Config) {
	if len(cfgs) == 0 {
		Init(Config{Level: InfoLevel})
		return
	}

	writers := make([]io.Writer, 0, len(cfgs))
	level := zerolog.Disabled
	for _, c := range cfgs {
		w := c.Output
		if w == nil {
			w = os.Stderr
		}
		if !c.JSONOutput {
			w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}
		writers = append(writers, w)
		if l := parseLevel(c.Level); l < level {
			level = l
		}
	}

	zerolog.SetGlobalLevel(level)
	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent creates a child logger tagged with the owning package/subsystem.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithResource creates a child logger tagged with a DRBD resource name.
func WithResource(name string) zerolog.Logger {
	return Logger.With().Str("resource", name).Logger()
}

// WithPlugin creates a child logger tagged with a plugin kind.
func WithPlugin(kind string) zerolog.Logger {
	return Logger.With().Str("plugin", kind).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
