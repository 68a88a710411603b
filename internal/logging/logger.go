// Package logging wraps zap with the context fields the topology service
// attaches to every boundary log line: correlation id, user, project, and
// client. The topology package and the transport client pumps log through
// slog directly; this logger is for the REST, health, rate-limit and
// WebSocket-upgrade edges.
package logging

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	UserIDKey        contextKey = "user_id"
	ProjectIDKey     contextKey = "project_id"
	ClientIDKey      contextKey = "client_id"
)

// contextFields maps each context key to the zap field name it is logged
// under. Extracted fields are appended to every log call that carries them.
var contextFields = []contextKey{
	CorrelationIDKey,
	UserIDKey,
	ProjectIDKey,
	ClientIDKey,
}

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

// Initialize builds the process-wide logger. Development mode gets colored
// console output; production gets JSON with ISO8601 timestamps. Calling it
// again after a successful build is a no-op.
func Initialize(development bool) error {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		return nil
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	built, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	logger = built.With(zap.String("service", "cloud-topology"))
	return nil
}

// SetLogger swaps the process logger; tests use it to install an observer.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func get() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	// Uninitialized (tests, early startup): fall back to a dev logger rather
	// than dropping the line.
	l, _ = zap.NewDevelopment()
	return l
}

func withContext(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	get().Info(msg, withContext(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	get().Warn(msg, withContext(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	get().Error(msg, withContext(ctx, fields)...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	get().Fatal(msg, withContext(ctx, fields)...)
}

// RedactEmail masks the local part of an email address before it reaches a
// log line.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return "***" + email[at:]
	}
	return "***"
}
