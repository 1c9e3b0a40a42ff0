// Package logger carries a structured zap.Logger through a context.Context,
// following the same pattern regardless of which binary (gateway or
// deployer) is running.
package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const loggerKey contextKey = "logger"

// PrepareLogger creates a new zap logger and stores it in the context.
func PrepareLogger(ctx context.Context) (context.Context, *zap.Logger) {
	l := NewProductionLogger()
	return context.WithValue(ctx, loggerKey, l), l
}

// GetLogger retrieves the logger from the context, never returning nil.
func GetLogger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return NewProductionLogger()
	}
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return NewProductionLogger()
}

// WithFields returns a context carrying a sub-logger with additional fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	l := GetLogger(ctx).With(fields...)
	return context.WithValue(ctx, loggerKey, l)
}

// WithComponent tags the logger in ctx with a "component" field.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithFields(ctx, zap.String("component", component))
}

// WithLogger stores an existing logger in the context.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// NewProductionLogger builds a JSON, INFO-level logger to stdout.
func NewProductionLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// NewDevelopmentLogger builds a human-readable, DEBUG-level logger.
func NewDevelopmentLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	l, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// NewLoggerFromEnv picks development or production encoding from
// FLEETGATE_ENV.
func NewLoggerFromEnv() *zap.Logger {
	env := os.Getenv("FLEETGATE_ENV")
	if env == "development" || env == "dev" {
		return NewDevelopmentLogger()
	}
	return NewProductionLogger()
}

// Sync flushes buffered log entries; call before process exit.
func Sync(ctx context.Context) error {
	return GetLogger(ctx).Sync()
}

// Fatalf logs a formatted fatal message and exits the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	GetLogger(ctx).Fatal(fmt.Sprintf(format, args...))
}
