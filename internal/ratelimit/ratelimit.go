// Package ratelimit implements per-identity request limiting over two fixed
// windows: a short burst window (one minute) and a sustained window (one
// hour). A request is admitted only while both windows have capacity.
//
// Two backends implement Limiter:
//   - MemoryLimiter: in-process records, for single-instance deployments.
//   - RedisLimiter: shared records updated by one atomic Lua script, for
//     deployments with more than one gateway replica.
//
// Both follow the same algorithm. Counters restart at 1 on rollover because
// the request that observes the rollover is itself counted. Rejections never
// change a record.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Default limits.
const (
	DefaultPerMinute = 30
	DefaultPerHour   = 200
)

// Window identifies which window caused a rejection.
type Window string

const (
	WindowNone   Window = ""
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed bool

	// RetryAfter is the number of whole seconds until the blocking window
	// resets. Zero when Allowed; otherwise within [1, window length].
	RetryAfter int

	// Window is the window that rejected the request.
	Window Window
}

// Limiter admits or rejects a request for the given identity and records it
// when admitted.
type Limiter interface {
	Allow(ctx context.Context, identity string) (Decision, error)
}

// Limits configures both windows. Zero fields take the defaults.
type Limits struct {
	PerMinute int
	PerHour   int

	// Minute and Hour are the window lengths. Overridable for tests only.
	Minute time.Duration
	Hour   time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = DefaultPerMinute
	}
	if l.PerHour <= 0 {
		l.PerHour = DefaultPerHour
	}
	if l.Minute <= 0 {
		l.Minute = time.Minute
	}
	if l.Hour <= 0 {
		l.Hour = time.Hour
	}
	return l
}

// Record is the per-identity state of the dual window.
type Record struct {
	WindowCount   int
	WindowResetAt time.Time
	HourCount     int
	HourResetAt   time.Time
}

func allow() Decision { return Decision{Allowed: true} }

// reject builds a rejection whose RetryAfter is the ceiling of the time left
// until resetAt, clamped to [1, window].
func reject(w Window, remaining, window time.Duration) Decision {
	return Decision{Window: w, RetryAfter: retryAfterSeconds(remaining, window)}
}

func retryAfterSeconds(remaining, window time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	if limit := int(math.Ceil(window.Seconds())); secs > limit {
		secs = limit
	}
	return secs
}
