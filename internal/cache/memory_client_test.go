package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_SetGet(t *testing.T) {
	c := NewMemoryClient(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), 0))

	val, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), val)
}

func TestMemoryClient_Miss(t *testing.T) {
	c := NewMemoryClient(10)
	_, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryClient_TTLExpiry(t *testing.T) {
	c := NewMemoryClient(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryClient_Flush(t *testing.T) {
	c := NewMemoryClient(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), 0))
	require.NoError(t, c.Set(ctx, "k2", []byte("v2"), 0))
	require.NoError(t, c.Flush(ctx))

	_, ok, _ := c.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "k2")
	assert.False(t, ok)
}

func TestMemoryClient_EvictionKeepsRoom(t *testing.T) {
	c := NewMemoryClient(4)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, c.Set(ctx, k, []byte(k), 0))
	}

	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	assert.LessOrEqual(t, n, 4)
}

func TestMemoryClient_GetReturnsCopy(t *testing.T) {
	c := NewMemoryClient(10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("orig"), 0))
	val, _, _ := c.Get(ctx, "k")
	val[0] = 'X'

	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("orig"), again)
}

func TestRetrievalKey_Deterministic(t *testing.T) {
	k1 := RetrievalKey("what is NAV", "hybrid", 5, 0.3)
	k2 := RetrievalKey("what is NAV", "hybrid", 5, 0.3)
	k3 := RetrievalKey("what is NAV", "vector", 5, 0.3)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
