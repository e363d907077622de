// Package logging wraps go.uber.org/zap with the line-oriented level set
// required by §6 (TRACE/DEBUG/INFO/WARN/ERROR/FATAL) plus an optional
// thread-local-style correlation ID, mirroring the 36-char UUID strings the
// IPC bridge attaches to every command (bus.Connection.Request's genID
// played the same role for the teacher, one level down).
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits one notch below zap's DebugLevel so Trace() calls are
// filtered out by a Logger built at the default Debug floor.
const TraceLevel = zapcore.DebugLevel - 1

type correlationKey struct{}

// WithCorrelationID stores a correlation ID (expected to be a UUID string)
// on the context for later retrieval by CorrelationID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ID stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}

// Logger is a thin facade over *zap.Logger adding a Trace level; Fatal logs
// and exits the process, and start failures are fataled by the cmd/
// binaries' main functions.
type Logger struct {
	z *zap.Logger
}

// New builds a production-style JSON logger at the given minimum level.
// level should be one of TraceLevel, zapcore.DebugLevel, InfoLevel, etc.
func New(level zapcore.Level) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// Named returns a child logger tagged with a component name, the way the
// teacher tags bus topics per-service ("hal", "bridge", "config").
func (l *Logger) Named(name string) *Logger { return &Logger{z: l.z.Named(name)} }

// WithCorrelation attaches a correlation_id field for the lifetime of the
// returned logger.
func (l *Logger) WithCorrelation(id string) *Logger {
	if id == "" {
		return l
	}
	return &Logger{z: l.z.With(zap.String("correlation_id", id))}
}

func (l *Logger) Trace(msg string, fields ...zap.Field) {
	if ce := l.z.Check(TraceLevel, msg); ce != nil {
		ce.Write(fields...)
	}
}
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Fatal logs at FATAL and terminates the process, matching §7's
// "Supervisor start failures abort the process with a FATAL log."
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.z.Fatal(msg, fields...) }

func (l *Logger) Sync() error { return l.z.Sync() }
