// Package ratelimit provides sliding-window limiters keyed by sender.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
}

// RetryAfter returns how long a rejected caller should wait, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	return (wait + time.Second - 1).Truncate(time.Second)
}

// Limiter admits at most Limit requests per key within a sliding window.
// Rejected requests are not counted.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RedisLimiter keeps one sorted set per key scored by request time in milliseconds.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// allowScript trims the window and admits the request only while under the limit.
// Returns {allowed, count, oldest score}.
var allowScript = redis.NewScript(`
	redis.call("zremrangebyscore", KEYS[1], "-inf", "(" .. ARGV[2])
	local count = redis.call("zcard", KEYS[1])
	local allowed = 0
	if count < tonumber(ARGV[3]) then
		redis.call("zadd", KEYS[1], ARGV[1], ARGV[4])
		count = count + 1
		allowed = 1
	end
	redis.call("pexpire", KEYS[1], ARGV[5])
	local oldest = redis.call("zrange", KEYS[1], 0, 0, "WITHSCORES")
	local oldestScore = tonumber(ARGV[1])
	if #oldest > 0 then
		oldestScore = tonumber(oldest[2])
	end
	return {allowed, count, oldestScore}
`)

// NewRedisLimiter creates a limiter storing its windows under prefix.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) key(k string) string {
	return l.prefix + "ratelimit:" + k
}

// Allow records the request and reports whether it fits in the window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + strconv.FormatUint(rand.Uint64(), 36)

	res, err := allowScript.Run(ctx, l.client, []string{l.key(key)},
		nowMs,
		now.Add(-l.window).UnixMilli(),
		l.limit,
		member,
		(l.window + 10*time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script for %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script for %s: unexpected reply %v", key, res)
	}

	d := Decision{
		Limit:   l.limit,
		ResetAt: time.UnixMilli(res[2]).UTC().Add(l.window),
	}
	if res[0] == 1 {
		d.Allowed = true
		d.Remaining = l.limit - int(res[1])
	}
	return d, nil
}

// MemoryLimiter is the single-process equivalent of RedisLimiter.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	hits      map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: window, hits: make(map[string][]time.Time), now: time.Now}
}

// Allow reports whether key may make another request now.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(windowStart)
		l.lastSweep = now
	}
	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if !t.Before(windowStart) {
			kept = append(kept, t)
		}
	}

	d := Decision{Limit: l.limit, ResetAt: now.Add(l.window)}
	if len(kept) >= l.limit {
		d.ResetAt = kept[0].Add(l.window)
		l.hits[key] = kept
		return d, nil
	}
	kept = append(kept, now)
	l.hits[key] = kept
	d.Allowed = true
	d.Remaining = l.limit - len(kept)
	d.ResetAt = kept[0].Add(l.window)
	return d, nil
}

// sweep drops keys whose newest request has left the window.
func (l *MemoryLimiter) sweep(windowStart time.Time) {
	for k, ts := range l.hits {
		if len(ts) == 0 || ts[len(ts)-1].Before(windowStart) {
			delete(l.hits, k)
		}
	}
}

