package cache

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// memItem is a cached value with the moment it was stored and its lifetime.
type memItem struct {
	data     []byte
	storedAt time.Time
	ttl      time.Duration
}

func (it memItem) expired(now time.Time) bool {
	return now.After(it.storedAt.Add(it.ttl))
}

// MemoryCache is an in-process cache with per-entry TTL.
//
// Expired entries are purged on access and by a background sweep, so
// memory is bounded by the number of keys written within one TTL.
// Replicas do not share a MemoryCache; use RedisCache for that.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	now      func() time.Time
	interval time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// WithMemorySweepInterval sets how often expired entries are evicted.
func WithMemorySweepInterval(d time.Duration) MemoryOption {
	return func(c *MemoryCache) {
		if d > 0 {
			c.interval = d
		}
	}
}

// NewMemoryCache creates a MemoryCache and starts the background sweep.
// The sweep stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		items:    make(map[string]memItem),
		now:      time.Now,
		interval: defaultSweepInterval,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.sweep(ctx)
	return c
}

// Get returns the cached value for key. An entry past storedAt+ttl is
// removed and reported as a miss.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if item.expired(c.now()) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have replaced the entry.
		if cur, ok := c.items[key]; ok && cur.expired(c.now()) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores value under key for ttl. A non-positive ttl uses DefaultTTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	c.items[key] = memItem{data: value, storedAt: c.now(), ttl: ttl}
	c.mu.Unlock()

	return nil
}

// Delete removes key. Missing keys are not an error.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries held, including expired entries not
// yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background sweep. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := c.now()

	c.mu.Lock()
	for k, v := range c.items {
		if v.expired(now) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
