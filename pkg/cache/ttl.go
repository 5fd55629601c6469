// Package cache provides a generic, thread-safe TTL cache used for
// per-session ephemeral state such as typing-indicator timers.
package cache

import (
	"sync"
	"time"
)

// EvictCallback is called when an entry expires or is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTL is a thread-safe time-to-live cache. Entries are evicted lazily on
// access and proactively by a background janitor. The eviction callback fires
// for expired and deleted entries, outside the cache lock.
type TTL[V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	items    map[string]*entry[V]
	evictFn  EvictCallback[V]
	shutdown chan struct{}
	once     sync.Once
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithEvictCallback registers a callback invoked when entries expire or are
// removed via Delete or Clear.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *TTL[V]) {
		c.evictFn = fn
	}
}

// NewTTL creates a TTL cache with the given default entry lifetime and
// janitor sweep interval. Close must be called to release the janitor.
func NewTTL[V any](ttl, sweepInterval time.Duration, opts ...Option[V]) *TTL[V] {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = ttl
	}

	c := &TTL[V]{
		ttl:      ttl,
		items:    make(map[string]*entry[V]),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.janitor(sweepInterval)

	return c
}

// Set stores a value under key with the default TTL, resetting any existing
// expiry. Returns true if a new entry was created.
func (c *TTL[V]) Set(key string, value V) bool {
	return c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with an explicit lifetime.
func (c *TTL[V]) SetWithTTL(key string, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.items[key]
	c.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
	return !existed
}

// Get retrieves a value by key. Expired entries count as missing and are
// evicted in place.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	if e.expired(time.Now()) {
		delete(c.items, key)
		c.mu.Unlock()
		if c.evictFn != nil {
			c.evictFn(key, e.value)
		}
		var zero V
		return zero, false
	}
	v := e.value
	c.mu.Unlock()
	return v, true
}

// Delete removes an entry by key, firing the eviction callback if it existed.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	c.mu.Unlock()

	if ok && c.evictFn != nil {
		c.evictFn(key, e.value)
	}
	return ok
}

// Clear removes all entries, firing the eviction callback for each.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	evicted := c.items
	c.items = make(map[string]*entry[V])
	c.mu.Unlock()

	if c.evictFn != nil {
		for k, e := range evicted {
			c.evictFn(k, e.value)
		}
	}
}

// Len returns the number of entries, including not-yet-swept expired ones.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all live keys.
func (c *TTL[V]) Keys() []string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Close stops the janitor. The cache remains usable but expired entries are
// only evicted lazily afterwards.
func (c *TTL[V]) Close() {
	c.once.Do(func() {
		close(c.shutdown)
	})
}

func (c *TTL[V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *TTL[V]) sweep() {
	now := time.Now()

	c.mu.Lock()
	var expired map[string]*entry[V]
	for k, e := range c.items {
		if e.expired(now) {
			if expired == nil {
				expired = make(map[string]*entry[V])
			}
			expired[k] = e
			delete(c.items, k)
		}
	}
	c.mu.Unlock()

	if c.evictFn != nil {
		for k, e := range expired {
			c.evictFn(k, e.value)
		}
	}
}
