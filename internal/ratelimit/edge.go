package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EdgeLimiter is a per-key token bucket for cheap flood protection at the HTTP
// edge, typically keyed by client IP. Buckets idle for longer than the idle
// timeout are dropped on the next sweep.
type EdgeLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	buckets map[string]*edgeBucket
	swept   time.Time
}

type edgeBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewEdgeLimiter allows rps requests per second per key with the given burst.
// Non-positive rps is treated as 1.
func NewEdgeLimiter(rps float64, burst int) *EdgeLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &EdgeLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*edgeBucket),
	}
}

// Allow reports whether a request for key may proceed now.
func (e *EdgeLimiter) Allow(key string) bool {
	e.mu.Lock()
	now := e.now()
	if now.Sub(e.swept) > e.idle {
		for k, b := range e.buckets {
			if now.Sub(b.lastSeen) > e.idle {
				delete(e.buckets, k)
			}
		}
		e.swept = now
	}
	b, ok := e.buckets[key]
	if !ok {
		b = &edgeBucket{lim: rate.NewLimiter(e.limit, e.burst)}
		e.buckets[key] = b
	}
	b.lastSeen = now
	lim := b.lim
	e.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (e *EdgeLimiter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buckets)
}
