package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func sampledLogger(cfg SamplingConfig) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(TraceLevel)
	return &Logger{zap: zap.New(newSampledCore(core, cfg)), config: NewDefaultConfig()}, observed
}

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{Enabled: false}))
}

func TestNewSampledCore_ErrorsNeverSampled(t *testing.T) {
	logger, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    time.Minute,
		Levels:  DefaultLevelSamplingConfig(),
	})

	for i := 0; i < 150; i++ {
		logger.Error(context.Background(), "store unavailable")
	}
	assert.Len(t, observed.FilterMessage("store unavailable").All(), 150)
}

func TestNewSampledCore_PerLevelRates(t *testing.T) {
	logger, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    time.Minute,
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.DebugLevel: {Initial: 2, Thereafter: 0},
			zapcore.InfoLevel:  {Initial: 5, Thereafter: 0},
		},
	})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		logger.Debug(ctx, "dedup probe")
		logger.Info(ctx, "fix added")
		logger.Warn(ctx, "failed to credit author")
	}

	assert.Len(t, observed.FilterMessage("dedup probe").All(), 2)
	assert.Len(t, observed.FilterMessage("fix added").All(), 5)
	// Warn has no rate configured and passes through.
	assert.Len(t, observed.FilterMessage("failed to credit author").All(), 20)
}

func TestNewSampledCore_ThereafterKeepsEveryNth(t *testing.T) {
	logger, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    time.Minute,
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 1, Thereafter: 10},
		},
	})

	for i := 0; i < 21; i++ {
		logger.Info(context.Background(), "vote recorded")
	}
	// First entry, then the 11th and 21st.
	assert.Len(t, observed.FilterMessage("vote recorded").All(), 3)
}

func TestLevelFilterCore_With(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	filtered := &levelFilterCore{Core: core, allow: func(l zapcore.Level) bool { return l >= zapcore.WarnLevel }}
	logger := zap.New(filtered).With(zap.String("component", "fraud"))

	logger.Info("ignored")
	logger.Warn("kept")

	entries := observed.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "fraud", entries[0].ContextMap()["component"])
}

func TestConfigValidate_Sampling(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Tick = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Sampling.Levels[zapcore.ErrorLevel] = LevelSamplingConfig{Initial: 1}
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Redaction.Patterns = []string{"(["}
	assert.Error(t, cfg.Validate())

	assert.NoError(t, NewDefaultConfig().Validate())
}
