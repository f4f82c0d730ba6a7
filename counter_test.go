package dynacache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	c "github.com/unkn0wn-root/dynacache/codec"
	"github.com/unkn0wn-root/dynacache/store"
)

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	cc := newTestCache[int64](t, e, c.JSON[int64]{}, nil)

	n, err := Increment(ctx, cc, "hits", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = Increment(ctx, cc, "hits", -2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, ok, err := cc.Get(ctx, "hits")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), got)

	e.clk.Add(2 * time.Minute)
	n, err = Increment(ctx, cc, "hits", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "an expired counter restarts from zero")
}

func TestIncrementFailsWhenReadFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	cc := newTestCache[int64](t, e, c.JSON[int64]{}, nil)
	require.NoError(t, cc.Set(ctx, "hits", 7, 0))

	e.prim.getErr = store.Unavailable("get", errors.New("down"))
	_, err := Increment(ctx, cc, "hits", 1, 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	e.prim.getErr = nil
	got, _, err := cc.Get(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}
