package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemLimiter is a process-local Limiter. Limits hold per instance only.
type MemLimiter struct {
	mu           sync.Mutex
	now          func() time.Time
	violationTTL time.Duration
	windows      map[string][]time.Time
	violations   map[string]violation
	blocks       map[string]time.Time // zero time: no expiry
}

type violation struct {
	count   int
	expires time.Time
}

var _ Limiter = (*MemLimiter)(nil)

// NewMemLimiter returns an empty MemLimiter.
func NewMemLimiter(opts ...Option) *MemLimiter {
	o := buildOptions(opts)
	return &MemLimiter{
		now:          o.now,
		violationTTL: o.violationTTL,
		windows:      make(map[string][]time.Time),
		violations:   make(map[string]violation),
		blocks:       make(map[string]time.Time),
	}
}

// Admit implements Limiter.
func (l *MemLimiter) Admit(_ context.Context, id string, max int, window time.Duration) (Decision, error) {
	if max <= 0 {
		return Decision{RetryAfter: window}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)
	ts := l.windows[id]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]

	if len(ts) >= max {
		l.windows[id] = ts
		retry := ts[0].Add(window).Sub(now)
		if retry < time.Millisecond {
			retry = time.Millisecond
		}
		return Decision{RetryAfter: retry}, nil
	}

	l.windows[id] = append(ts, now)
	return Decision{Allowed: true}, nil
}

// RecordViolation implements Limiter.
func (l *MemLimiter) RecordViolation(_ context.Context, id string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v := l.violations[id]
	if !now.Before(v.expires) {
		v.count = 0
	}
	v.count++
	v.expires = now.Add(l.violationTTL)
	l.violations[id] = v
	return v.count, nil
}

// Block implements Limiter.
func (l *MemLimiter) Block(_ context.Context, id string, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var until time.Time
	if d > 0 {
		until = l.now().Add(d)
	}
	l.blocks[id] = until
	delete(l.violations, id)
	return nil
}

// Unblock implements Limiter.
func (l *MemLimiter) Unblock(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocks, id)
	return nil
}

// Blocked implements Limiter.
func (l *MemLimiter) Blocked(_ context.Context, id string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.blocks[id]
	if !ok {
		return false, 0, nil
	}
	if until.IsZero() {
		return true, 0, nil
	}
	remaining := until.Sub(l.now())
	if remaining <= 0 {
		delete(l.blocks, id)
		return false, 0, nil
	}
	return true, remaining, nil
}
