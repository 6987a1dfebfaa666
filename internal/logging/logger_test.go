package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// syncBuffer is a concurrency-safe WriteSyncer over a bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) lines(t *testing.T) []map[string]interface{} {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func newBufferedLogger(t *testing.T, mutate func(*Config)) (*Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	cfg := NewDefaultConfig()
	cfg.Output.Stderr = false
	cfg.Output.Writer = buf
	cfg.Sampling.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	return logger, buf
}

func TestNewLogger_WritesJSONWithServiceField(t *testing.T) {
	logger, buf := newBufferedLogger(t, nil)

	logger.Info(context.Background(), "fix added", zap.String("fix_hash", "abc123"))

	lines := buf.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, "fix added", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "fixnet", lines[0]["service"])
	assert.Equal(t, "abc123", lines[0]["fix_hash"])
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)

	cfg = NewDefaultConfig()
	cfg.Output.Stderr = false
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_TraceLevel(t *testing.T) {
	logger, buf := newBufferedLogger(t, func(c *Config) { c.Level = TraceLevel })

	logger.Trace(context.Background(), "candidate scored")

	lines := buf.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestLogger_TraceFilteredAtInfo(t *testing.T) {
	logger, buf := newBufferedLogger(t, nil)

	logger.Trace(context.Background(), "candidate scored")
	logger.Debug(context.Background(), "debug detail")

	assert.Empty(t, buf.lines(t))
	assert.False(t, logger.Enabled(TraceLevel))
}

func TestLogger_RedactsKeysAndValues(t *testing.T) {
	logger, buf := newBufferedLogger(t, nil)
	token := "ghp_" + strings.Repeat("a", 36)

	logger.With(zap.String("api_key", "sk-live")).Info(context.Background(), "pushed with "+token,
		zap.String("token", "hunter2"),
		zap.String("solution", "export GITHUB_TOKEN="+token),
	)

	lines := buf.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, "[REDACTED]", lines[0]["api_key"])
	assert.Equal(t, "[REDACTED]", lines[0]["token"])
	assert.Equal(t, "export GITHUB_TOKEN=[REDACTED]", lines[0]["solution"])
	assert.Equal(t, "pushed with [REDACTED]", lines[0]["msg"])
}

func TestLogger_ContextFields(t *testing.T) {
	logger, buf := newBufferedLogger(t, nil)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithUser(ctx, "oc****at")
	ctx = WithRequestID(ctx, "5f1c0a9e-7d2b-4a51-9a0e-0d8b2c6f3e11")

	logger.Info(ctx, "vote recorded")

	lines := buf.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, traceID.String(), lines[0]["trace_id"])
	assert.Equal(t, spanID.String(), lines[0]["span_id"])
	assert.Equal(t, true, lines[0]["trace_sampled"])
	assert.Equal(t, "oc****at", lines[0]["user"])
	assert.Equal(t, "5f1c0a9e-7d2b-4a51-9a0e-0d8b2c6f3e11", lines[0]["request.id"])
}

func TestLogger_NamedAndWith(t *testing.T) {
	logger, buf := newBufferedLogger(t, nil)

	logger.Named("consensus").With(zap.String("fix_hash", "h1")).Warn(context.Background(), "cache miss")

	lines := buf.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, "consensus", lines[0]["logger"])
	assert.Equal(t, "h1", lines[0]["fix_hash"])
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
