// Package logging wraps zerolog the way the rest of this codebase's
// ambient stack expects: a configurable sync/async writer, console or JSON
// encoding, and a component-scoped sub-logger convention.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

type Logger struct {
	logger zerolog.Logger
	config Config
}

type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
	Caller     bool   `mapstructure:"caller"`
	Async      bool   `mapstructure:"async"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
		Caller:     false,
		Async:      false,
	}
}

func New(config Config) (*Logger, error) {
	zerolog.TimeFieldFormat = config.TimeFormat

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	var output io.Writer
	switch strings.ToLower(config.Output) {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		if dir := filepath.Dir(config.Output); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", config.Output, err)
		}
		output = file
	}

	if config.Async {
		output = diode.NewWriter(output, 1000, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logging: dropped %d messages\n", missed)
		})
	}

	var zl zerolog.Logger
	switch strings.ToLower(config.Format) {
	case "console":
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: config.TimeFormat})
	case "json", "":
		zl = zerolog.New(output)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	zl = zl.With().Timestamp().Logger()
	if config.Caller {
		zl = zl.With().Caller().Logger()
	}
	zl = zl.Level(level)

	return &Logger{logger: zl, config: config}, nil
}

// With returns a sub-logger tagged with a component name, the convention
// used throughout this module instead of ad-hoc per-call fields.
func (l *Logger) With(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger(), config: l.config}
}

func (l *Logger) Debug(msg string)                          { l.logger.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...interface{})  { l.logger.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                           { l.logger.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...interface{})   { l.logger.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                           { l.logger.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...interface{})   { l.logger.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                          { l.logger.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...interface{})  { l.logger.Error().Msgf(format, args...) }
func (l *Logger) ErrorWithErr(err error, msg string)         { l.logger.Error().Err(err).Msg(msg) }
func (l *Logger) Fatal(msg string)                           { l.logger.Fatal().Msg(msg) }
func (l *Logger) FatalWithErr(err error, msg string)         { l.logger.Fatal().Err(err).Msg(msg) }

func (l *Logger) WithFields(fields map[string]interface{}) *zerolog.Event {
	ev := l.logger.Info()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
