package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// admitScript trims the window, then admits or rejects.
// Returns {1, 0} on admit and {0, retry_after_ms} on reject.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local n = redis.call('ZCARD', KEYS[1])
if n >= max then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = 1
  if oldest[2] then
    retry = math.max(1, tonumber(oldest[2]) + window - now)
  end
  return {0, retry}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0}
`)

// violationScript increments the counter and refreshes its expiry.
var violationScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return n
`)

func windowKey(id string) string    { return "ratelimit:window:" + id }
func violationKey(id string) string { return "ratelimit:violations:" + id }
func blockKey(id string) string     { return "ratelimit:block:" + id }

// RedisLimiter keeps windows, violations and blocks in Redis so every server
// instance enforces the same budget.
type RedisLimiter struct {
	rdb          redis.UniversalClient
	now          func() time.Time
	violationTTL time.Duration
}

var _ Limiter = (*RedisLimiter)(nil)

// Option configures a limiter.
type Option func(*options)

type options struct {
	now          func() time.Time
	violationTTL time.Duration
}

// WithClock sets the clock used for window timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithViolationTTL sets how long violations are remembered.
func WithViolationTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.violationTTL = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, violationTTL: DefaultViolationTTL}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewRedisLimiter returns a RedisLimiter using rdb.
func NewRedisLimiter(rdb redis.UniversalClient, opts ...Option) *RedisLimiter {
	o := buildOptions(opts)
	return &RedisLimiter{rdb: rdb, now: o.now, violationTTL: o.violationTTL}
}

// Admit implements Limiter.
func (l *RedisLimiter) Admit(ctx context.Context, id string, max int, window time.Duration) (Decision, error) {
	if max <= 0 {
		return Decision{RetryAfter: window}, nil
	}
	res, err := admitScript.Run(ctx, l.rdb, []string{windowKey(id)},
		l.now().UnixMilli(), window.Milliseconds(), max, ulid.Make().String(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: admit %q: %w", id, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: admit %q: unexpected reply %v", id, res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}

// RecordViolation implements Limiter.
func (l *RedisLimiter) RecordViolation(ctx context.Context, id string) (int, error) {
	n, err := violationScript.Run(ctx, l.rdb, []string{violationKey(id)}, l.violationTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: record violation %q: %w", id, err)
	}
	return n, nil
}

// Block implements Limiter.
func (l *RedisLimiter) Block(ctx context.Context, id string, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, blockKey(id), l.now().UTC().Format(time.RFC3339), d)
		p.Del(ctx, violationKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ratelimit: block %q: %w", id, err)
	}
	return nil
}

// Unblock implements Limiter.
func (l *RedisLimiter) Unblock(ctx context.Context, id string) error {
	if err := l.rdb.Del(ctx, blockKey(id)).Err(); err != nil {
		return fmt.Errorf("ratelimit: unblock %q: %w", id, err)
	}
	return nil
}

// Blocked implements Limiter.
func (l *RedisLimiter) Blocked(ctx context.Context, id string) (bool, time.Duration, error) {
	ttl, err := l.rdb.PTTL(ctx, blockKey(id)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: blocked %q: %w", id, err)
	}
	switch {
	case ttl == -2:
		return false, 0, nil
	case ttl < 0:
		// -1: no expiry.
		return true, 0, nil
	default:
		return true, ttl, nil
	}
}
