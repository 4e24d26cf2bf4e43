// Package logging provides structured logging for the commlog engine.
// It wraps zerolog behind a small interface so components can log with
// JSON output (production) or human-readable output (development) without
// depending on zerolog directly.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey type for context values to avoid collisions.
type ContextKey string

// RunIDKey carries the pipeline run ID through contexts.
const RunIDKey ContextKey = "run_id"

// Level represents logging severity levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level Level

	// ServiceName is included in all log entries.
	ServiceName string

	// Environment is included in all log entries (e.g., "development", "production").
	Environment string

	// JSONFormat enables JSON output when true, human-readable when false.
	JSONFormat bool

	// Output sets the writer for logs (defaults to os.Stdout).
	Output io.Writer
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "commlog-engine",
		Environment: "development",
		JSONFormat:  false,
		Output:      os.Stdout,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with optional fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with optional fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with optional fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger with the given fields attached to all subsequent logs.
	With(fields ...Field) Logger

	// WithContext returns a new Logger that extracts run information from the context.
	WithContext(ctx context.Context) Logger
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field with the given key and value.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates a Field for an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// logger implements the Logger interface using zerolog.
type logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var writer io.Writer = output
	if !cfg.JSONFormat {
		writer = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zl := zerolog.New(writer).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	return &logger{zl: zl}
}

// NewNop returns a Logger that discards all output. Useful in tests.
func NewNop() Logger {
	return &logger{zl: zerolog.Nop()}
}

func parseLevel(level Level) zerolog.Level {
	switch level {
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

func (l *logger) Debug(msg string, fields ...Field) {
	l.emit(l.zl.Debug(), msg, fields)
}

func (l *logger) Info(msg string, fields ...Field) {
	l.emit(l.zl.Info(), msg, fields)
}

func (l *logger) Warn(msg string, fields ...Field) {
	l.emit(l.zl.Warn(), msg, fields)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.emit(l.zl.Error(), msg, fields)
}

func (l *logger) With(fields ...Field) Logger {
	zc := l.zl.With()
	for _, f := range fields {
		zc = contextField(zc, f)
	}
	return &logger{zl: zc.Logger()}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		return l.With(F("run_id", runID))
	}
	return l
}

func (l *logger) emit(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		ev = eventField(ev, f)
	}
	ev.Msg(msg)
}

func eventField(ev *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case error:
		return ev.AnErr(f.Key, v)
	case string:
		return ev.Str(f.Key, v)
	case int:
		return ev.Int(f.Key, v)
	case int64:
		return ev.Int64(f.Key, v)
	case float64:
		return ev.Float64(f.Key, v)
	case bool:
		return ev.Bool(f.Key, v)
	case time.Time:
		return ev.Time(f.Key, v)
	case time.Duration:
		return ev.Dur(f.Key, v)
	default:
		return ev.Str(f.Key, fmt.Sprintf("%v", v))
	}
}

func contextField(zc zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case error:
		return zc.AnErr(f.Key, v)
	case string:
		return zc.Str(f.Key, v)
	case int:
		return zc.Int(f.Key, v)
	case int64:
		return zc.Int64(f.Key, v)
	case float64:
		return zc.Float64(f.Key, v)
	case bool:
		return zc.Bool(f.Key, v)
	case time.Time:
		return zc.Time(f.Key, v)
	case time.Duration:
		return zc.Dur(f.Key, v)
	default:
		return zc.Str(f.Key, fmt.Sprintf("%v", v))
	}
}
