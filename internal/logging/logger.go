// Package logging provides structured, leveled logging for citrusdb-go,
// backed by zerolog so request-engine hot paths (fail-path transitions,
// malformed-response recovery) stay allocation-light
// when logging is disabled or filtered.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with the level/prefix API the request
// engine calls (Debugf/Infof/Warnf/Errorf), keeping callers independent
// of the concrete logging library.
type Logger struct {
	zl zerolog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel mirrors zerolog's levels without exposing the dependency to
// callers that only import this package.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
	// Component, when set, is attached to every log line as a "component"
	// field (e.g. "request", "cluster", "reactor").
	Component string
}

// DefaultConfig returns a sensible default configuration: info level,
// zerolog's JSON lines on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	zl := zerolog.New(output).With().Timestamp().Logger().Level(config.Level.zerologLevel())
	if config.Component != "" {
		zl = zl.With().Str("component", config.Component).Logger()
	}
	return &Logger{zl: zl}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// With returns a child logger with an additional structured field
// attached, e.g. log.With("node", addr).
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// Printf is kept for compatibility with callers that only know the
// stdlib *log.Logger shape.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions.
func Debug(msg string) { Default().Debug(msg) }
func Info(msg string)  { Default().Info(msg) }
func Warn(msg string)  { Default().Warn(msg) }
func Error(msg string) { Default().Error(msg) }
