package logging

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"anna/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.add("INFO", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.add("WARN", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.add("ERROR", format, args...) }

func (r *recordingLogger) add(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *recordingLogger
	var logger Logger = typed
	require.True(t, IsNil(logger))

	safe := OrNop(logger)
	require.False(t, IsNil(safe))
	assert.NotPanics(t, func() { safe.Info("hello %s", "world") })
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text", Output: buf})

	logger := FromObservabilityWithComponent(base, "session")
	logger.Info("hello %s", "world")

	assert.Contains(t, buf.String(), "hello world")
	assert.Contains(t, buf.String(), "component=session")
}

func TestNewComponentLoggerUsesDefault(t *testing.T) {
	t.Cleanup(func() { SetDefault(nil) })

	assert.NotPanics(t, func() { NewComponentLogger("gateway").Warn("dropped") })

	buf := &bytes.Buffer{}
	SetDefault(observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text", Output: buf}))
	NewComponentLogger("gateway").Warn("dropped %d frames", 3)

	assert.Contains(t, buf.String(), "dropped 3 frames")
	assert.Contains(t, buf.String(), "component=gateway")
}

func TestFromContextStructuredLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	base := FromObservabilityWithComponent(
		observability.NewLogger(observability.LogConfig{Level: "info", Format: "text", Output: buf}), "registry")

	ctx := observability.ContextWithUserID(context.Background(), "u-1")
	FromContext(ctx, base).Info("attached")

	assert.Contains(t, buf.String(), "user_id=u-1")
}

func TestFromContextPrefixesPlainLoggers(t *testing.T) {
	rec := &recordingLogger{}
	ctx := observability.ContextWithSessionID(context.Background(), "s-1")

	FromContext(ctx, rec).Warn("late %s", "event")
	FromContext(context.Background(), rec).Info("bare")

	assert.Equal(t, []string{"WARN user= session=s-1 late event", "INFO bare"}, rec.lines)
}
