package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/dynacache"
	"github.com/unkn0wn-root/dynacache/codec"
	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store/memory"
)

func memoryConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dynacache.yaml")
	require.NoError(t, os.WriteFile(p, []byte("backend: memory\ntable: cli\nlog:\n  level: error\n"), 0o600))
	return p
}

func TestRunConfigAndCheck(t *testing.T) {
	ctx := context.Background()
	path := memoryConfig(t)

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"-config", path, "-namespace", "ops", "config"}, nil, &out, &out))
	assert.Contains(t, out.String(), "backend: memory")
	assert.Contains(t, out.String(), "namespace: ops")

	out.Reset()
	require.NoError(t, run(ctx, []string{"-config", path, "check"}, nil, &out, &out))
	assert.Equal(t, "ok\n", out.String())
}

func TestRunErrors(t *testing.T) {
	ctx := context.Background()
	path := memoryConfig(t)
	var out bytes.Buffer

	assert.ErrorContains(t, run(ctx, []string{"-config", path}, nil, &out, &out), "missing command")
	assert.ErrorContains(t, run(ctx, []string{"-config", path, "frobnicate"}, nil, &out, &out), "unknown command")
	assert.ErrorContains(t, run(ctx, []string{"-config", path, "get"}, nil, &out, &out), "expected 1 argument")
	assert.ErrorIs(t, run(ctx, []string{"-config", path, "get", "nope"}, nil, &out, &out), errNotFound)
	assert.Error(t, run(ctx, []string{"-config", path, "-backend", "cassandra", "check"}, nil, &out, &out))
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	prim, err := memory.NewPrimary(record.Columns{}.WithDefaults(), memory.PrimaryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = prim.Close(ctx) })
	c, err := dynacache.New(dynacache.Options[[]byte]{TableName: "cli", Codec: codec.Bytes{}, Primary: prim})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, dispatch(ctx, c, "set", []string{"k", "-"}, time.Minute, strings.NewReader("from stdin"), &out))
	require.NoError(t, dispatch(ctx, c, "get", []string{"k"}, 0, nil, &out))
	assert.Equal(t, "from stdin", out.String())

	assert.ErrorIs(t, dispatch(ctx, c, "add", []string{"k", "v"}, 0, nil, &out), dynacache.ErrKeyExists)

	out.Reset()
	require.NoError(t, dispatch(ctx, c, "exists", []string{"k"}, 0, nil, &out))
	assert.Equal(t, "true\n", out.String())

	require.NoError(t, dispatch(ctx, c, "expire", []string{"k"}, dynacache.NoExpiration, nil, &out))
	require.NoError(t, dispatch(ctx, c, "set", []string{"j", "v"}, 0, nil, &out))
	require.NoError(t, dispatch(ctx, c, "delete", []string{"k", "j"}, 0, nil, &out))
	assert.ErrorIs(t, dispatch(ctx, c, "expire", []string{"k"}, time.Minute, nil, &out), errNotFound)

	require.NoError(t, dispatch(ctx, c, "set", []string{"a", "1"}, 0, nil, &out))
	require.NoError(t, dispatch(ctx, c, "clear", nil, 0, nil, &out))
	assert.ErrorIs(t, dispatch(ctx, c, "get", []string{"a"}, 0, nil, &out), errNotFound)
}
