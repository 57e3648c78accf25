// Package game is the authoritative, TTL-bound state of running games: the
// game record itself (target, settings, counters) and the append-only ledger of
// every message shown to the player.
//
// A game exists only while its TTL has not elapsed since the last write.
// Every mutation refreshes the TTL of the game record and its ledger together;
// reads never do. Expiry is indistinguishable from never having existed.
//
// Errors are classified with internal/apperr: an absent game is NotFound, a
// contended per-game lock is InvalidState and backend failures are
// ServiceUnavailable.
package game

import (
	"context"
	"time"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/catalog"
	"github.com/MrWong99/spoilerguess/pkg/provider/llm"
)

// DefaultTTL is how long an idle game survives.
const DefaultTTL = time.Hour

// ErrBusy is returned by Lock when another request holds the game's lock.
var ErrBusy = apperr.New(apperr.KindInvalidState, "game.Lock", "another turn is in progress")

// Settings are the selection filters a game was started with. The store
// keeps them verbatim.
type Settings struct {
	Arc             string  `json:"arc"`
	Difficulty      string  `json:"difficulty"`
	FillerRatio     float64 `json:"filler_ratio"`
	IncludeNonCanon bool    `json:"include_non_canon"`
	IncludeUnrated  bool    `json:"include_unrated"`
}

// Game is one running game.
type Game struct {
	ID             string            `json:"id"`
	Target         catalog.Character `json:"target"`
	SystemPrompt   string            `json:"system_prompt"`
	Settings       Settings          `json:"settings"`
	QuestionsAsked int               `json:"questions_asked"`
	GuessesCount   int               `json:"guesses_count"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Entry is a message to append to a ledger.
type Entry struct {
	Text string
	// IsUser marks player-authored text.
	IsUser bool
	// AddToContext marks text that is replayed to the model on later turns.
	AddToContext bool
}

// Message is a ledger entry as stored. ID is the ledger position.
type Message struct {
	ID           int       `json:"id"`
	Text         string    `json:"text"`
	IsUser       bool      `json:"is_user"`
	AddToContext bool      `json:"add_to_context"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store manages game records.
type Store interface {
	// Create writes g with zeroed counters, starts its ledger and appends
	// welcome as a UI-only message. The caller guarantees g.ID is unique.
	Create(ctx context.Context, g Game, welcome string) error

	// Get returns the game without refreshing its TTL.
	Get(ctx context.Context, id string) (Game, error)

	// Exists reports whether the game is alive.
	Exists(ctx context.Context, id string) (bool, error)

	// IncrementQuestions bumps questions_asked and returns the new value.
	IncrementQuestions(ctx context.Context, id string) (int, error)

	// IncrementGuesses bumps guesses_count and returns the new value.
	IncrementGuesses(ctx context.Context, id string) (int, error)

	// Delete removes the game and its ledger. Deleting an absent game is not an error.
	Delete(ctx context.Context, id string) error
}

// Ledger is the per-game append-only message log.
type Ledger interface {
	// Append adds e and returns its sequence id. A user entry that is
	// added to context also increments questions_asked in the same atomic step.
	Append(ctx context.Context, id string, e Entry) (int, error)

	// Messages returns the full transcript in append order.
	Messages(ctx context.Context, id string) ([]Message, error)

	// Memory returns the role-tagged subset replayed to the model.
	Memory(ctx context.Context, id string) ([]llm.Message, error)
}

// Locker serialises turns on one game across requests and instances.
type Locker interface {
	// Lock acquires the game's lock for at most ttl. It returns ErrBusy when
	// the lock is held. The returned func releases it.
	Lock(ctx context.Context, id string, ttl time.Duration) (unlock func(), err error)
}

// Backend is everything the play service needs from the game layer.
type Backend interface {
	Store
	Ledger
	Locker
}

// memoryOf projects messages into model memory.
func memoryOf(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.AddToContext {
			continue
		}
		role := llm.RoleAssistant
		if m.IsUser {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}
