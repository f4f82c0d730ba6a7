package zap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/dynacache"
)

func TestLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debug("d", nil)
	l.Info("i", dynacache.Fields{"b": 2, "a": "x"})
	l.Warn("w", nil)
	l.Error("e", nil)

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "a", entries[1].Context[0].Key)
	assert.Equal(t, map[string]any{"a": "x", "b": int64(2)}, entries[1].ContextMap())
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestNilLoggerIsSilent(t *testing.T) {
	assert.NotPanics(t, func() { New(nil).Warn("x", dynacache.Fields{"k": 1}) })
}
