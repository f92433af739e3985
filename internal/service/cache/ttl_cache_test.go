package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	now := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	c := NewTTLCache[int]().WithClock(func() time.Time { return now })

	c.Set("spy", 1, time.Second)
	c.Set("qqq", 2, 0)
	v, ok := c.Get("spy")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Second)
	_, ok = c.Get("spy")
	assert.False(t, ok, "expires at exactly ttl")
	assert.Equal(t, 1, c.Len(), "expired entries are dropped on read")

	now = now.Add(time.Hour)
	v, ok = c.Get("qqq")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c.Delete("qqq")
	_, ok = c.Get("qqq")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
