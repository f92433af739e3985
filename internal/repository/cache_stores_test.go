package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/pkg/cache"
)

func newMemory(t *testing.T) *cache.MemoryCache {
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(0))
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	s := NewIdempotencyStore(newMemory(t))

	fresh, err := s.Reserve(ctx, "ord-1:combo", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.Reserve(ctx, "ord-1:combo", time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = s.Reserve(ctx, "ord-1:leg0", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	require.NoError(t, s.Release(ctx, "ord-1:combo"))
	fresh, err = s.Reserve(ctx, "ord-1:combo", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestBreakerStore(t *testing.T) {
	ctx := context.Background()
	s := NewBreakerStore(newMemory(t), "breaker:state", time.Hour)

	st, err := s.LoadBreaker(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	start := time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)
	want := models.BreakerState{
		Level:          models.BreakerLevel2,
		BlockedSymbols: []string{"SPY"},
		Level1Counts:   map[string]int{"SPY": 3},
		SessionLoss:    3200,
		SessionStart:   start,
	}
	require.NoError(t, s.SaveBreaker(ctx, want))

	st, err = s.LoadBreaker(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, models.BreakerLevel2, st.Level)
	assert.Equal(t, []string{"SPY"}, st.BlockedSymbols)
	assert.Equal(t, 3, st.Level1Counts["SPY"])
	assert.InDelta(t, 3200, st.SessionLoss, 1e-9)
	assert.True(t, st.SessionStart.Equal(start))
}
