// Package cache stores completion replies keyed by a fingerprint of the
// conversation's last turn.
//
// Two backends implement Cache:
//   - MemoryCache: in-process TTL map for single-instance deployments.
//   - RedisCache: shared across replicas.
//
// ResponseCache sits on top of either backend and derives keys from turns.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/nulpointcorp/companion-gateway/internal/chat"
)

// DefaultTTL is how long a cached reply stays valid.
const DefaultTTL = 5 * time.Minute

// FingerprintLen is the number of characters of the last turn that feed the key.
const FingerprintLen = 50

const keyPrefix = "reply:"

// Cache is a byte-oriented TTL store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Fingerprint returns the cache key for a conversation. Only the first
// FingerprintLen characters of the last turn are used, so different
// conversations ending with the same text share an entry.
func Fingerprint(turns []chat.Turn) string {
	last := []rune(chat.LastContent(turns))
	if len(last) > FingerprintLen {
		last = last[:FingerprintLen]
	}
	sum := sha256.Sum256([]byte(string(last)))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// ResponseCache maps conversations to reply payloads.
//
// A nil *ResponseCache, or one with a non-positive TTL, never hits and
// never stores.
type ResponseCache struct {
	backend Cache
	ttl     time.Duration
}

// NewResponseCache wraps backend. A zero ttl falls back to DefaultTTL; a
// negative ttl disables caching.
func NewResponseCache(backend Cache, ttl time.Duration) *ResponseCache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{backend: backend, ttl: ttl}
}

// Enabled reports whether lookups can ever hit.
func (c *ResponseCache) Enabled() bool {
	return c != nil && c.backend != nil && c.ttl > 0
}

// TTL returns the default entry lifetime.
func (c *ResponseCache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// Lookup returns the payload stored for turns.
func (c *ResponseCache) Lookup(ctx context.Context, turns []chat.Turn) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	return c.backend.Get(ctx, Fingerprint(turns))
}

// Store saves payload for turns. A non-positive ttl uses the cache default.
func (c *ResponseCache) Store(ctx context.Context, turns []chat.Turn, payload []byte, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.backend.Set(ctx, Fingerprint(turns), payload, ttl)
}
