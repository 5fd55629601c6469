package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_SetGet(t *testing.T) {
	c := NewTTL[int](time.Minute, time.Minute)
	defer c.Close()

	created := c.Set("a", 1)
	assert.True(t, created)

	created = c.Set("a", 2)
	assert.False(t, created)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTL_ExpiryOnAccess(t *testing.T) {
	c := NewTTL[string](time.Minute, time.Minute)
	defer c.Close()

	c.SetWithTTL("k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTL_JanitorFiresEvictCallback(t *testing.T) {
	var mu sync.Mutex
	evicted := map[string]string{}

	c := NewTTL(50*time.Millisecond, 20*time.Millisecond,
		WithEvictCallback(func(key, value string) {
			mu.Lock()
			evicted[key] = value
			mu.Unlock()
		}))
	defer c.Close()

	c.Set("typing:user-1", "channel-1")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return evicted["typing:user-1"] == "channel-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTTL_DeleteAndClear(t *testing.T) {
	var mu sync.Mutex
	var evictions []string

	c := NewTTL(time.Minute, time.Minute,
		WithEvictCallback(func(key string, _ int) {
			mu.Lock()
			evictions = append(evictions, key)
			mu.Unlock()
		}))
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	c.Clear()
	assert.Equal(t, 0, c.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, evictions)
}

func TestTTL_Keys_SkipsExpired(t *testing.T) {
	c := NewTTL[int](time.Minute, time.Minute)
	defer c.Close()

	c.Set("live", 1)
	c.SetWithTTL("dead", 2, time.Nanosecond)
	time.Sleep(time.Millisecond)

	assert.Equal(t, []string{"live"}, c.Keys())
}
