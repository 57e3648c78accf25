// Package ratelimit enforces per-identifier request budgets for model calls.
//
// Admission is a sliding window: the timestamps of admitted requests inside the
// last window are kept, older ones are evicted lazily on each check, and a
// request is admitted only while fewer than max remain. Rejections can be
// recorded as violations, and identifiers can be blocked outright.
//
// Two implementations exist: [RedisLimiter] shares state across server
// instances, [MemLimiter] is process-local. Both take an injectable clock.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the oldest request leaves the window.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter is a sliding-window admission controller with abuse escalation.
//
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Admit evicts timestamps older than window, then admits and records now
	// if fewer than max remain. A rejected request is not recorded.
	Admit(ctx context.Context, id string, max int, window time.Duration) (Decision, error)

	// RecordViolation increments the identifier's violation counter and
	// returns the new count.
	RecordViolation(ctx context.Context, id string) (int, error)

	// Block rejects id for d. A non-positive d blocks until Unblock. Blocking
	// resets the violation counter.
	Block(ctx context.Context, id string, d time.Duration) error

	// Unblock lifts a block. Unblocking an unblocked id is not an error.
	Unblock(ctx context.Context, id string) error

	// Blocked reports whether id is blocked and for how much longer.
	// remaining is zero for a block without expiry.
	Blocked(ctx context.Context, id string) (blocked bool, remaining time.Duration, err error)
}

// DefaultViolationTTL is how long violations are remembered without new ones.
const DefaultViolationTTL = time.Hour
