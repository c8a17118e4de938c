// Package ratelimit bounds how often and how much a client may ask of the
// assistant. Counters live in Redis; without Redis every check passes.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitResult is the outcome of a rate limit check.
type LimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter performs sliding-window rate limiting backed by Redis sorted sets.
type Limiter struct {
	rdb redis.UniversalClient
	now func() time.Time

	// instance and seq make window members unique across replicas and
	// across requests admitted in the same microsecond.
	instance string
	seq      atomic.Uint64
}

// NewLimiter creates a rate limiter. A nil client disables limiting.
func NewLimiter(rdb redis.UniversalClient) *Limiter {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return &Limiter{rdb: rdb, now: time.Now, instance: hex.EncodeToString(b)}
}

// member returns the sorted set member recording one admitted request.
func (l *Limiter) member(now time.Time) string {
	return strconv.FormatInt(now.UnixMicro(), 10) + ":" + l.instance + ":" + strconv.FormatUint(l.seq.Add(1), 10)
}

// slidingWindowScript trims entries older than the window, admits the
// request if there is room, and reports the oldest surviving entry so the
// caller knows when a slot frees up.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro)
// ARGV[3] = limit
// ARGV[4] = key TTL in seconds
// ARGV[5] = member for this request
// Returns: {count, 1=allowed/0=denied, oldest score or 0}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
local allowed = 0

if count < limit then
    redis.call('ZADD', key, now, member)
    count = count + 1
    allowed = 1
end
redis.call('EXPIRE', key, ttl)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = 0
if oldest[2] then
    oldest_score = tonumber(oldest[2])
end
return {count, allowed, oldest_score}
`)

// Check admits one request for key if fewer than limit were admitted in the
// trailing window. Redis failures are returned alongside an allowing result
// so callers can log them and fail open.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (LimitResult, error) {
	now := l.now()
	if l.rdb == nil || limit <= 0 {
		return LimitResult{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}, nil
	}

	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{"assistant:rl:" + key},
		now.Add(-window).UnixMicro(), now.UnixMicro(), limit, int64(window.Seconds())+1, l.member(now),
	).Int64Slice()
	if err != nil {
		return LimitResult{Allowed: true, Remaining: limit, ResetAt: now.Add(window)},
			fmt.Errorf("run sliding window script: %w", err)
	}
	return windowResult(now, limit, window, res[0], res[1] == 1, res[2]), nil
}

func windowResult(now time.Time, limit int64, window time.Duration, count int64, allowed bool, oldestMicro int64) LimitResult {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(window)
	if oldestMicro > 0 {
		resetAt = time.UnixMicro(oldestMicro).Add(window)
	}
	r := LimitResult{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
	if !allowed {
		r.RetryAfter = resetAt.Sub(now)
		if r.RetryAfter < time.Second {
			r.RetryAfter = time.Second
		}
	}
	return r
}
