package logging

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"anna/internal/observability"
)

// Logger defines a minimal, printf-style logging contract used by the
// session, gateway and tool layers.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var defaultLogger atomic.Pointer[observability.Logger]

// SetDefault installs the process-wide structured logger that component
// loggers write through. Passing nil restores discard behaviour.
func SetDefault(logger *observability.Logger) {
	defaultLogger.Store(logger)
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return FromObservabilityWithComponent(defaultLogger.Load(), component)
}

type observabilityPrintfLogger struct {
	logger *observability.Logger
}

// FromObservabilityWithComponent wraps an observability logger and preserves
// printf-style call sites by formatting the message before emitting it.
func FromObservabilityWithComponent(logger *observability.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	scoped := logger
	if component != "" {
		scoped = scoped.With("component", component)
	}
	return &observabilityPrintfLogger{logger: scoped}
}

func (l *observabilityPrintfLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *observabilityPrintfLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *observabilityPrintfLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *observabilityPrintfLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *observabilityPrintfLogger) withContext(ctx context.Context) Logger {
	return &observabilityPrintfLogger{logger: l.logger.WithContext(ctx)}
}

type contextCapable interface {
	withContext(ctx context.Context) Logger
}

// FromContext returns a logger tagged with the user and session found in ctx.
// Loggers that cannot carry structured fields get a text prefix instead.
func FromContext(ctx context.Context, logger Logger) Logger {
	logger = OrNop(logger)
	if capable, ok := logger.(contextCapable); ok {
		return capable.withContext(ctx)
	}
	userID := observability.UserIDFromContext(ctx)
	sessionID := observability.SessionIDFromContext(ctx)
	if userID == "" && sessionID == "" {
		return logger
	}
	return &prefixLogger{logger: logger, prefix: fmt.Sprintf("user=%s session=%s ", userID, sessionID)}
}

type prefixLogger struct {
	logger Logger
	prefix string
}

func (l *prefixLogger) Debug(format string, args ...any) {
	l.logger.Debug(l.prefix+format, args...)
}

func (l *prefixLogger) Info(format string, args ...any) {
	l.logger.Info(l.prefix+format, args...)
}

func (l *prefixLogger) Warn(format string, args ...any) {
	l.logger.Warn(l.prefix+format, args...)
}

func (l *prefixLogger) Error(format string, args ...any) {
	l.logger.Error(l.prefix+format, args...)
}
