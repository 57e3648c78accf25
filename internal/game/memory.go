package game

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/pkg/provider/llm"
)

// MemStore is an in-process Backend for development and tests. Expiry is
// evaluated lazily against the injected clock.
type MemStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	games map[string]*memGame
	locks map[string]time.Time
}

type memGame struct {
	game     Game
	messages []Message
	expires  time.Time
}

var _ Backend = (*MemStore)(nil)

// MemOption configures a MemStore.
type MemOption func(*MemStore)

// WithMemTTL sets the idle lifetime of games. Non-positive values are ignored.
func WithMemTTL(d time.Duration) MemOption {
	return func(s *MemStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMemClock sets the clock used for expiry and message timestamps.
func WithMemClock(now func() time.Time) MemOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore returns an empty MemStore.
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{
		ttl:   DefaultTTL,
		now:   time.Now,
		games: make(map[string]*memGame),
		locks: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// live returns the game if present and unexpired. Callers hold s.mu.
func (s *MemStore) live(id string) (*memGame, bool) {
	g, ok := s.games[id]
	if !ok {
		return nil, false
	}
	if !s.now().Before(g.expires) {
		delete(s.games, id)
		return nil, false
	}
	return g, true
}

// Create implements Store.
func (s *MemStore) Create(_ context.Context, g Game, welcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g.QuestionsAsked, g.GuessesCount = 0, 0
	now := s.now()
	s.games[g.ID] = &memGame{
		game:     g,
		messages: []Message{{ID: 0, Text: welcome, Timestamp: now.UTC()}},
		expires:  now.Add(s.ttl),
	}
	return nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, id string) (Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.live(id)
	if !ok {
		return Game{}, apperr.NotFound("game.Get", id)
	}
	return g.game, nil
}

// Exists implements Store.
func (s *MemStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(id)
	return ok, nil
}

// IncrementQuestions implements Store.
func (s *MemStore) IncrementQuestions(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.live(id)
	if !ok {
		return 0, apperr.NotFound("game.IncrementQuestions", id)
	}
	g.game.QuestionsAsked++
	g.expires = s.now().Add(s.ttl)
	return g.game.QuestionsAsked, nil
}

// IncrementGuesses implements Store.
func (s *MemStore) IncrementGuesses(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.live(id)
	if !ok {
		return 0, apperr.NotFound("game.IncrementGuesses", id)
	}
	g.game.GuessesCount++
	g.expires = s.now().Add(s.ttl)
	return g.game.GuessesCount, nil
}

// Delete implements Store.
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.games, id)
	return nil
}

// Append implements Ledger.
func (s *MemStore) Append(_ context.Context, id string, e Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.live(id)
	if !ok {
		return 0, apperr.NotFound("game.Append", id)
	}
	now := s.now()
	seq := len(g.messages)
	g.messages = append(g.messages, Message{
		ID:           seq,
		Text:         e.Text,
		IsUser:       e.IsUser,
		AddToContext: e.AddToContext,
		Timestamp:    now.UTC(),
	})
	if e.IsUser && e.AddToContext {
		g.game.QuestionsAsked++
	}
	g.expires = now.Add(s.ttl)
	return seq, nil
}

// Messages implements Ledger.
func (s *MemStore) Messages(_ context.Context, id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.live(id)
	if !ok {
		return nil, apperr.NotFound("game.Messages", id)
	}
	out := make([]Message, len(g.messages))
	copy(out, g.messages)
	return out, nil
}

// Memory implements Ledger.
func (s *MemStore) Memory(ctx context.Context, id string) ([]llm.Message, error) {
	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	return memoryOf(msgs), nil
}

// Lock implements Locker.
func (s *MemStore) Lock(_ context.Context, id string, ttl time.Duration) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, held := s.locks[id]; held && now.Before(until) {
		return nil, ErrBusy
	}
	until := now.Add(ttl)
	s.locks[id] = until
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.locks[id].Equal(until) {
			delete(s.locks, id)
		}
	}, nil
}
