package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestSetRoutesHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	defer Set(nil)

	Info("step dispatched", zap.String("step", "s1"))
	Error("run failed")

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, "step dispatched", entries[0].Message)
	assert.Equal(t, "s1", entries[0].ContextMap()["step"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestInit(t *testing.T) {
	assert.NoError(t, Init("debug"))
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))
	Set(nil)
}
