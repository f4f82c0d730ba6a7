package logrus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/dynacache"
)

func TestFieldsAndLevels(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	l.Warn("self-healed unservable row", dynacache.Fields{"reason": "dangling_pointer"})
	l.Debug("store client constructed", nil)

	require.Len(t, hook.AllEntries(), 2)
	first := hook.AllEntries()[0]
	assert.Equal(t, logrus.WarnLevel, first.Level)
	assert.Equal(t, "dangling_pointer", first.Data["reason"])
	assert.Equal(t, "dynacache", first.Data["component"])
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
}
