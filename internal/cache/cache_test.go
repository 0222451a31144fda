package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemory(2, time.Minute)
	ctx := context.Background()

	c.Put(ctx, "order-1", []byte("a"), 1)
	c.Put(ctx, "order-2", []byte("b"), 1)

	// Touch order-1 so order-2 becomes the eviction candidate.
	_, _, ok := c.Get(ctx, "order-1")
	require.True(t, ok)

	c.Put(ctx, "order-3", []byte("c"), 1)

	_, _, ok = c.Get(ctx, "order-2")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, _, ok = c.Get(ctx, "order-1")
	assert.True(t, ok)
	_, _, ok = c.Get(ctx, "order-3")
	assert.True(t, ok)
}

func TestMemoryKeepsNewestVersion(t *testing.T) {
	c := NewMemory(10, time.Minute)
	ctx := context.Background()

	c.Put(ctx, "order-1", []byte("v5"), 5)
	c.Put(ctx, "order-1", []byte("v3"), 3) // late write from a slower process

	state, version, ok := c.Get(ctx, "order-1")
	require.True(t, ok)
	assert.Equal(t, 5, version)
	assert.Equal(t, []byte("v5"), state)
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory(10, 10*time.Millisecond)
	ctx := context.Background()

	c.Put(ctx, "order-1", []byte("a"), 1)
	time.Sleep(25 * time.Millisecond)

	_, _, ok := c.Get(ctx, "order-1")
	assert.False(t, ok, "expired entry should miss")
}

func TestRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedis(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		c.Put(ctx, "order-1", []byte(`{"status":"placed"}`), 4)

		state, version, ok := c.Get(ctx, "order-1")
		require.True(t, ok)
		assert.Equal(t, 4, version)
		assert.Equal(t, []byte(`{"status":"placed"}`), state)
	})

	t.Run("stale write ignored", func(t *testing.T) {
		c.Put(ctx, "order-2", []byte("v7"), 7)
		c.Put(ctx, "order-2", []byte("v6"), 6)

		state, version, ok := c.Get(ctx, "order-2")
		require.True(t, ok)
		assert.Equal(t, 7, version)
		assert.Equal(t, []byte("v7"), state)
	})

	t.Run("newer write wins", func(t *testing.T) {
		c.Put(ctx, "order-3", []byte("v1"), 1)
		c.Put(ctx, "order-3", []byte("v2"), 2)

		_, version, ok := c.Get(ctx, "order-3")
		require.True(t, ok)
		assert.Equal(t, 2, version)
	})

	t.Run("delete", func(t *testing.T) {
		c.Put(ctx, "order-4", []byte("x"), 1)
		c.Delete(ctx, "order-4")

		_, _, ok := c.Get(ctx, "order-4")
		assert.False(t, ok)
	})

	t.Run("miss", func(t *testing.T) {
		_, _, ok := c.Get(ctx, "order-missing")
		assert.False(t, ok)
	})
}

func TestTieredBackfillsLocal(t *testing.T) {
	local := NewMemory(10, time.Minute)
	remote := NewMemory(10, time.Minute)
	c := NewTiered(local, remote)
	ctx := context.Background()

	// Entry exists only remotely, as after a process restart.
	remote.Put(ctx, "order-1", []byte("s"), 9)

	state, version, ok := c.Get(ctx, "order-1")
	require.True(t, ok)
	assert.Equal(t, 9, version)
	assert.Equal(t, []byte("s"), state)

	// The hit should have backfilled the local tier.
	_, version, ok = local.Get(ctx, "order-1")
	require.True(t, ok)
	assert.Equal(t, 9, version)
}

func TestVersionedEncoding(t *testing.T) {
	state, version, err := splitVersioned(encodeVersioned([]byte("payload"), 123))
	require.NoError(t, err)
	assert.Equal(t, 123, version)
	assert.Equal(t, []byte("payload"), state)

	_, _, err = splitVersioned([]byte("short"))
	assert.Error(t, err)
}
