package session

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-process Store. Expiry is evaluated lazily.
type MemStore struct {
	mu       sync.Mutex
	opt      options
	pointers map[string]memPointer
}

type memPointer struct {
	p       Pointer
	expires time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore(opts ...Option) *MemStore {
	return &MemStore{opt: buildOptions(opts), pointers: make(map[string]memPointer)}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, id string) (Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live(id)
	if !ok {
		return Pointer{}, ErrNotFound
	}
	return p, nil
}

// Touch implements Store.
func (s *MemStore) Touch(_ context.Context, id string) (Pointer, error) {
	return s.update(id, func(*Pointer) bool { return true }), nil
}

// SetGame implements Store.
func (s *MemStore) SetGame(_ context.Context, id, gameID string) error {
	s.update(id, func(p *Pointer) bool {
		p.GameID = gameID
		return true
	})
	return nil
}

// ClearGame implements Store.
func (s *MemStore) ClearGame(_ context.Context, id, gameID string) error {
	s.update(id, func(p *Pointer) bool {
		if p.GameID != gameID {
			return false
		}
		p.GameID = ""
		return true
	})
	return nil
}

// SetHorizon implements Store.
func (s *MemStore) SetHorizon(_ context.Context, id, horizon string) error {
	s.update(id, func(p *Pointer) bool {
		p.Horizon = horizon
		return true
	})
	return nil
}

// Len returns the number of live pointers.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.pointers {
		if _, ok := s.live(id); ok {
			n++
		}
	}
	return n
}

// live returns the pointer if it has not expired, dropping it otherwise.
// Callers hold s.mu.
func (s *MemStore) live(id string) (Pointer, bool) {
	e, ok := s.pointers[id]
	if !ok {
		return Pointer{}, false
	}
	if !s.opt.now().Before(e.expires) {
		delete(s.pointers, id)
		return Pointer{}, false
	}
	return e.p, true
}

func (s *MemStore) update(id string, fn func(*Pointer) bool) Pointer {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opt.now().UTC()
	p, ok := s.live(id)
	if !ok {
		p = fresh(id, now)
	}
	if !fn(&p) {
		return p
	}
	p.LastActivity = now
	s.pointers[id] = memPointer{p: p, expires: now.Add(s.opt.ttl)}
	return p
}
