package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	logger := NewTestLogger()
	ctx := context.Background()

	tests := []struct {
		name    string
		logFunc func()
		level   zapcore.Level
		message string
	}{
		{"trace", func() { logger.Trace(ctx, "trace message") }, TraceLevel, "trace message"},
		{"debug", func() { logger.Debug(ctx, "debug message") }, zapcore.DebugLevel, "debug message"},
		{"info", func() { logger.Info(ctx, "info message") }, zapcore.InfoLevel, "info message"},
		{"warn", func() { logger.Warn(ctx, "warn message") }, zapcore.WarnLevel, "warn message"},
		{"error", func() { logger.Error(ctx, "error message") }, zapcore.ErrorLevel, "error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger.Reset()
			tt.logFunc()
			logger.AssertLogged(t, tt.level, tt.message)
		})
	}
}

func TestLogger_ContextFields(t *testing.T) {
	logger := NewTestLogger()

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithIssueID(ctx, "4501")
	ctx = WithProject(ctx, "web-frontend")

	logger.Info(ctx, "job dispatched", zap.Int("active", 1))

	logger.AssertField(t, "job dispatched", "request.id", "req-1")
	logger.AssertField(t, "job dispatched", "issue.id", "4501")
	logger.AssertField(t, "job dispatched", "project.slug", "web-frontend")
}

func TestLogger_EmptyContextValuesAreSkipped(t *testing.T) {
	ctx := WithIssueID(context.Background(), "")
	assert.Empty(t, ContextFields(ctx))
}

func TestLogger_WithAndNamed(t *testing.T) {
	logger := NewTestLogger()
	child := logger.Named("scheduler").With(zap.String("component", "queue"))

	child.Info(context.Background(), "drained")

	entries := logger.FilterMessage("drained").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "scheduler", entries[0].LoggerName)
	assert.Equal(t, "queue", entries[0].ContextMap()["component"])
}

func TestFromContext(t *testing.T) {
	t.Run("returns stored logger", func(t *testing.T) {
		logger := NewTestLogger()
		ctx := WithLogger(context.Background(), logger.Logger)
		assert.Same(t, logger.Logger, FromContext(ctx))
	})

	t.Run("falls back to nop", func(t *testing.T) {
		l := FromContext(context.Background())
		require.NotNil(t, l)
		l.Info(context.Background(), "discarded")
	})
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestFromObservability(t *testing.T) {
	cfg, err := FromObservability(config.ObservabilityConfig{
		LogLevel:    "debug",
		LogFormat:   "console",
		ServiceName: "autofix-test",
	})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, "autofix-test", cfg.Fields["service"])

	_, err = FromObservability(config.ObservabilityConfig{LogLevel: "loud"})
	assert.Error(t, err)
}
