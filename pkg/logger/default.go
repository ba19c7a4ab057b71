package logger

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultLogger is the Logger implementation used throughout the ingest
// server. It fronts a zap.Logger: the Field/Level vocabulary in logger.go
// stays stable for callers while encoding, level filtering and flushing are
// delegated to zap instead of a hand-rolled writer.
type DefaultLogger struct {
	mu     sync.Mutex
	level  zap.AtomicLevel
	core   *zap.Logger
	fields []Field
	format string // "json" or "text" (text maps to zap's console encoder)
}

// NewDefaultLogger creates a new default logger
func NewDefaultLogger(level LogLevel, format string) *DefaultLogger {
	l := &DefaultLogger{
		level:  zap.NewAtomicLevelAt(toZapLevel(level)),
		fields: make([]Field, 0),
		format: format,
	}
	l.core = buildZapLogger(l.level, format, os.Stdout)
	return l
}

func buildZapLogger(level zap.AtomicLevel, format string, w io.Writer) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)
	return zap.New(core)
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

// Debug logs a debug message
func (l *DefaultLogger) Debug(msg string, fields ...Field) {
	l.core.Debug(msg, toZapFields(l.merge(fields))...)
}

// Info logs an info message
func (l *DefaultLogger) Info(msg string, fields ...Field) {
	l.core.Info(msg, toZapFields(l.merge(fields))...)
}

// Warn logs a warning message
func (l *DefaultLogger) Warn(msg string, fields ...Field) {
	l.core.Warn(msg, toZapFields(l.merge(fields))...)
}

// Error logs an error message
func (l *DefaultLogger) Error(msg string, fields ...Field) {
	l.core.Error(msg, toZapFields(l.merge(fields))...)
}

// Fatal logs a fatal message and exits
func (l *DefaultLogger) Fatal(msg string, fields ...Field) {
	l.core.Fatal(msg, toZapFields(l.merge(fields))...)
}

// With creates a child logger with additional fields
func (l *DefaultLogger) With(fields ...Field) Logger {
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)

	return &DefaultLogger{
		level:  l.level,
		core:   l.core,
		fields: newFields,
		format: l.format,
	}
}

// SetLevel sets the minimum log level
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

// SetOutput swaps the underlying sink. Used by tests that want to capture
// log output instead of writing to stdout.
func (l *DefaultLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.core = buildZapLogger(l.level, l.format, w)
}

func (l *DefaultLogger) merge(fields []Field) []Field {
	if len(l.fields) == 0 {
		return fields
	}
	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)
	return all
}
