// Package session tracks which game a browser is playing and what spoiler
// horizon it chose.
//
// A Pointer is a convenience index, never the source of truth: it may name a
// game that has already expired, and callers must check the game store before
// trusting it.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/spoilerguess/pkg/arc"
)

// DefaultTTL is how long an idle session pointer survives.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned by Store.Get for unknown or expired sessions.
var ErrNotFound = errors.New("session: not found")

// Pointer is the per-browser session record.
type Pointer struct {
	ID string `json:"id"`
	// GameID is the active game, empty when none.
	GameID string `json:"game_id,omitempty"`
	// Horizon is the last spoiler horizon the player chose.
	Horizon      string    `json:"horizon"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store persists pointers with an idle TTL. Every write refreshes it.
type Store interface {
	// Get returns the pointer or ErrNotFound.
	Get(ctx context.Context, id string) (Pointer, error)

	// Touch creates the pointer if needed and bumps LastActivity.
	Touch(ctx context.Context, id string) (Pointer, error)

	// SetGame points the session at gameID.
	SetGame(ctx context.Context, id, gameID string) error

	// ClearGame unsets the active game if it is still gameID. A pointer
	// already moved on to another game is left alone.
	ClearGame(ctx context.Context, id, gameID string) error

	// SetHorizon stores the player's spoiler horizon.
	SetHorizon(ctx context.Context, id, horizon string) error
}

// fresh returns a new pointer for id.
func fresh(id string, now time.Time) Pointer {
	return Pointer{ID: id, Horizon: arc.All, CreatedAt: now, LastActivity: now}
}

// options is shared by both store implementations.
type options struct {
	ttl time.Duration
	now func() time.Time
}

// Option configures a Store implementation.
type Option func(*options)

// WithTTL sets the idle lifetime. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithClock sets the clock used for timestamps and, in memory, expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
