package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T, clock *testClock, opts ...MemoryOption) *MemoryCache {
	t.Helper()
	opts = append([]MemoryOption{WithMemoryClock(clock.Now)}, opts...)
	c := NewMemoryCache(context.Background(), opts...)
	t.Cleanup(c.Close)
	return c
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := newMemory(t, newTestClock())

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(context.Background(), "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q/%v, want v/true", got, ok)
	}
}

// An entry is valid up to and including storedAt+ttl.
func TestMemoryCache_ExpiryBoundary(t *testing.T) {
	clock := newTestClock()
	c := newMemory(t, clock)

	_ = c.Set(context.Background(), "k", []byte("v"), 5*time.Minute)

	clock.Advance(5 * time.Minute)
	if _, ok := c.Get(context.Background(), "k"); !ok {
		t.Fatal("entry should still be valid at exactly storedAt+ttl")
	}

	clock.Advance(time.Millisecond)
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("entry should be expired after storedAt+ttl")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be purged on lookup, Len = %d", c.Len())
	}
}

func TestMemoryCache_SetReplacesAndRenews(t *testing.T) {
	clock := newTestClock()
	c := newMemory(t, clock)

	_ = c.Set(context.Background(), "k", []byte("old"), time.Minute)
	clock.Advance(50 * time.Second)
	_ = c.Set(context.Background(), "k", []byte("new"), time.Minute)
	clock.Advance(50 * time.Second)

	got, ok := c.Get(context.Background(), "k")
	if !ok || string(got) != "new" {
		t.Fatalf("Get = %q/%v, want new/true", got, ok)
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := newMemory(t, newTestClock())

	_ = c.Set(context.Background(), "k", []byte("v"), time.Minute)
	if err := c.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestMemoryCache_SweepEvictsExpired(t *testing.T) {
	clock := newTestClock()
	c := newMemory(t, clock, WithMemorySweepInterval(10*time.Millisecond))

	_ = c.Set(context.Background(), "a", []byte("1"), time.Minute)
	_ = c.Set(context.Background(), "b", []byte("2"), time.Hour)
	clock.Advance(2 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Len() != 1 {
		t.Fatalf("expected only the live entry to remain, Len = %d", c.Len())
	}
	if _, ok := c.Get(context.Background(), "b"); !ok {
		t.Error("live entry should survive the sweep")
	}
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	c := NewMemoryCache(context.Background())
	c.Close()
	c.Close()
}
