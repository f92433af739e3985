package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, opts ...MemoryOption) (*MemoryCache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)}
	opts = append([]MemoryOption{WithMemoryCleanup(0), WithMemoryClock(clk.now)}, opts...)
	mc := NewMemoryCache(opts...)
	t.Cleanup(func() { _ = mc.Close() })
	return mc, clk
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	mc, _ := newTestCache(t)

	type state struct {
		Level int      `json:"level"`
		Tags  []string `json:"tags"`
	}
	require.NoError(t, mc.Set(ctx, "obj", state{Level: 2, Tags: []string{"SPY"}}, 0))
	var got state
	require.NoError(t, mc.Get(ctx, "obj", &got))
	assert.Equal(t, state{Level: 2, Tags: []string{"SPY"}}, got)

	require.NoError(t, mc.Set(ctx, "raw", "plain", 0))
	var s string
	require.NoError(t, mc.Get(ctx, "raw", &s))
	assert.Equal(t, "plain", s)

	assert.ErrorIs(t, mc.Get(ctx, "missing", &s), ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	mc, clk := newTestCache(t)

	require.NoError(t, mc.Set(ctx, "k", "v", time.Minute))
	ok, err := mc.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.advance(time.Minute)
	ok, err = mc.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	var s string
	assert.ErrorIs(t, mc.Get(ctx, "k", &s), ErrCacheMiss)
}

func TestMemoryCacheTryLock(t *testing.T) {
	ctx := context.Background()
	mc, clk := newTestCache(t)

	ok, err := mc.TryLock(ctx, "lock", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = mc.TryLock(ctx, "lock", time.Second)
	assert.False(t, ok, "held lock")

	require.NoError(t, mc.Unlock(ctx, "lock"))
	ok, _ = mc.TryLock(ctx, "lock", time.Second)
	assert.True(t, ok, "after unlock")

	clk.advance(time.Second)
	ok, _ = mc.TryLock(ctx, "lock", time.Second)
	assert.True(t, ok, "after expiry")
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	mc, clk := newTestCache(t, WithMemoryMaxSize(2))

	require.NoError(t, mc.Set(ctx, "a", "1", 0))
	clk.advance(time.Second)
	require.NoError(t, mc.Set(ctx, "b", "2", 0))
	clk.advance(time.Second)

	var s string
	require.NoError(t, mc.Get(ctx, "a", &s))
	clk.advance(time.Second)

	require.NoError(t, mc.Set(ctx, "c", "3", 0))
	assert.ErrorIs(t, mc.Get(ctx, "b", &s), ErrCacheMiss)
	assert.NoError(t, mc.Get(ctx, "a", &s))
	assert.NoError(t, mc.Get(ctx, "c", &s))

	// overwriting an existing key never evicts
	require.NoError(t, mc.Set(ctx, "c", "4", 0))
	assert.NoError(t, mc.Get(ctx, "a", &s))
}
