package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dualWindowScript runs the whole dual-window decision atomically so
// concurrent replicas never overshoot a limit.
// KEYS[1] = per-identity hash (fields wc, wr, hc, hr)
// ARGV[1] = now (unix ms)
// ARGV[2] = minute window (ms)
// ARGV[3] = hour window (ms)
// ARGV[4] = per-minute limit
// ARGV[5] = per-hour limit
// Returns: {allowed (0|1), retry_ms, window (0 none, 1 minute, 2 hour)}.
var dualWindowScript = redis.NewScript(`
		local key       = KEYS[1]
		local now       = tonumber(ARGV[1])
		local minute    = tonumber(ARGV[2])
		local hour      = tonumber(ARGV[3])
		local minLimit  = tonumber(ARGV[4])
		local hourLimit = tonumber(ARGV[5])

		local r  = redis.call('HMGET', key, 'wc', 'wr', 'hc', 'hr')
		local wc = tonumber(r[1])
		local wr = tonumber(r[2])
		local hc = tonumber(r[3])
		local hr = tonumber(r[4])

		local function save()
			redis.call('HSET', key, 'wc', wc, 'wr', wr, 'hc', hc, 'hr', hr)
			redis.call('PEXPIRE', key, math.max(wr, hr) - now)
		end

		if not wc or not wr or not hc or not hr or (now > wr and now > hr) then
			wc, wr, hc, hr = 1, now + minute, 1, now + hour
			save()
			return {1, 0, 0}
		end

		if now > wr then
			if hc >= hourLimit then
				return {0, hr - now, 2}
			end
			wc, wr, hc = 1, now + minute, hc + 1
			save()
			return {1, 0, 0}
		end

		if wc >= minLimit then
			return {0, wr - now, 1}
		end
		if now > hr then
			wc, hc, hr = wc + 1, 1, now + hour
			save()
			return {1, 0, 0}
		end
		if hc >= hourLimit then
			return {0, hr - now, 2}
		end
		wc, hc = wc + 1, hc + 1
		save()
		return {1, 0, 0}
`)

const keyPrefix = "ratelimit:user:"

// RedisLimiter stores per-identity records in Redis hashes that expire
// together with their last live window.
type RedisLimiter struct {
	rdb    *redis.Client
	limits Limits
	now    func() time.Time
}

// NewRedisLimiter creates a RedisLimiter. The caller owns the client.
func NewRedisLimiter(rdb *redis.Client, limits Limits) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limits: limits.withDefaults(), now: time.Now}
}

// SetClock replaces time.Now. Intended for tests.
func (r *RedisLimiter) SetClock(now func() time.Time) { r.now = now }

// Allow implements Limiter.
//
// When Redis is unreachable the request is admitted and the error returned
// alongside, so callers can log it without failing the request.
func (r *RedisLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	lim := r.limits

	res, err := dualWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + identity},
		r.now().UnixMilli(),
		lim.Minute.Milliseconds(),
		lim.Hour.Milliseconds(),
		lim.PerMinute,
		lim.PerHour,
	).Int64Slice()
	if err != nil {
		return allow(), fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 3 {
		return allow(), fmt.Errorf("ratelimit: unexpected script reply of length %d", len(res))
	}

	if res[0] == 1 {
		return allow(), nil
	}

	remaining := time.Duration(res[1]) * time.Millisecond
	if res[2] == 1 {
		return reject(WindowMinute, remaining, lim.Minute), nil
	}
	return reject(WindowHour, remaining, lim.Hour), nil
}
