package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// MemoryLimiter keeps one Record per identity in process memory.
//
// A single mutex serialises Allow so concurrent requests from one identity
// cannot both read a stale count. A background sweep drops records whose
// windows have both expired; a dropped identity simply starts fresh.
type MemoryLimiter struct {
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*Record

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// MemoryOption customises a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// WithSweepInterval sets how often expired records are evicted.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(l *MemoryLimiter) {
		if d > 0 {
			l.sweepEvery = d
		}
	}
}

// NewMemoryLimiter creates a MemoryLimiter and starts the eviction loop.
// The loop stops when ctx is cancelled or Close is called.
func NewMemoryLimiter(ctx context.Context, limits Limits, opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		limits:     limits.withDefaults(),
		now:        time.Now,
		records:    make(map[string]*Record),
		sweepEvery: defaultSweepInterval,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.sweep(ctx)
	return l
}

// Allow implements Limiter. It never returns an error.
func (l *MemoryLimiter) Allow(_ context.Context, identity string) (Decision, error) {
	now := l.now()
	lim := l.limits

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[identity]

	// Unknown identity, or both windows stale: fresh record.
	if !ok || (now.After(rec.WindowResetAt) && now.After(rec.HourResetAt)) {
		l.records[identity] = &Record{
			WindowCount:   1,
			WindowResetAt: now.Add(lim.Minute),
			HourCount:     1,
			HourResetAt:   now.Add(lim.Hour),
		}
		return allow(), nil
	}

	// Minute window stale, hour window live.
	if now.After(rec.WindowResetAt) {
		if rec.HourCount >= lim.PerHour {
			return reject(WindowHour, rec.HourResetAt.Sub(now), lim.Hour), nil
		}
		rec.WindowCount = 1
		rec.WindowResetAt = now.Add(lim.Minute)
		rec.HourCount++
		return allow(), nil
	}

	// Minute window live.
	if rec.WindowCount >= lim.PerMinute {
		return reject(WindowMinute, rec.WindowResetAt.Sub(now), lim.Minute), nil
	}
	if now.After(rec.HourResetAt) {
		// The hour rolled over inside a renewed minute window.
		rec.WindowCount++
		rec.HourCount = 1
		rec.HourResetAt = now.Add(lim.Hour)
		return allow(), nil
	}
	if rec.HourCount >= lim.PerHour {
		return reject(WindowHour, rec.HourResetAt.Sub(now), lim.Hour), nil
	}
	rec.WindowCount++
	rec.HourCount++
	return allow(), nil
}

// Snapshot returns a copy of the record for identity.
func (l *MemoryLimiter) Snapshot(identity string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[identity]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of tracked identities.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Close stops the eviction loop. Safe to call more than once.
func (l *MemoryLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *MemoryLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictExpired()
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

func (l *MemoryLimiter) evictExpired() {
	now := l.now()

	l.mu.Lock()
	for id, rec := range l.records {
		if now.After(rec.WindowResetAt) && now.After(rec.HourResetAt) {
			delete(l.records, id)
		}
	}
	l.mu.Unlock()
}
