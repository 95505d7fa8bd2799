package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetNX(t *testing.T) {
	mc := NewMemoryCache(time.Minute, 0)

	assert.True(t, mc.SetNX("k", 1, 0))
	assert.False(t, mc.SetNX("k", 2, 0))

	v, ok := mc.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSetNX_AfterExpiry(t *testing.T) {
	now := time.Now()
	mc := NewMemoryCache(time.Minute, 0)
	mc.now = func() time.Time { return now }

	assert.True(t, mc.SetNX("k", 1, time.Second))
	now = now.Add(2 * time.Second)

	assert.True(t, mc.SetNX("k", 2, time.Second))
	v, _ := mc.Get("k")
	assert.Equal(t, 2, v)
}

func TestGet_Expired(t *testing.T) {
	now := time.Now()
	mc := NewMemoryCache(time.Minute, 0)
	mc.now = func() time.Time { return now }
	mc.Set("k", "v", time.Second)

	now = now.Add(time.Minute)

	_, ok := mc.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, mc.Size())
}

func TestEvictOldest(t *testing.T) {
	now := time.Now()
	mc := NewMemoryCache(time.Minute, 2)
	mc.now = func() time.Time { return now }

	mc.Set("a", 1, 0)
	now = now.Add(time.Millisecond)
	mc.Set("b", 2, 0)
	now = now.Add(time.Millisecond)
	mc.Set("c", 3, 0)

	assert.Equal(t, 2, mc.Size())
	_, ok := mc.Get("a")
	assert.False(t, ok)
}

func TestCleanupExpired(t *testing.T) {
	now := time.Now()
	mc := NewMemoryCache(time.Minute, 0)
	mc.now = func() time.Time { return now }
	mc.Set("a", 1, time.Second)
	mc.Set("b", 2, time.Hour)

	now = now.Add(time.Minute)
	mc.cleanupExpired()

	assert.Equal(t, 1, mc.Size())
}
