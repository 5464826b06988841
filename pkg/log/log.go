package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

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

// WithComponent creates a child logger with component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithTaskID creates a child logger with task_id field
func WithTaskID(taskID string) *zerolog.Logger {
	l := Logger.With().Str("task_id", taskID).Logger()
	return &l
}

// WithTaskset creates a child logger with taskset field
func WithTaskset(taskset string) *zerolog.Logger {
	l := Logger.With().Str("component", "orchestrator").Str("taskset", taskset).Logger()
	return &l
}

// WithUnit creates a child logger for one batch unit
func WithUnit(unit, zone string) *zerolog.Logger {
	l := Logger.With().Str("component", "batch").Str("unit", unit).Str("zone", zone).Logger()
	return &l
}

// Nop silences the global logger, used by tests
func Nop() {
	Logger = zerolog.Nop()
}
