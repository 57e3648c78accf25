package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the requested character does not exist.
var ErrNotFound = errors.New("catalog: character not found")

// ErrDuplicateID is returned by Add when a character with the same ID exists.
var ErrDuplicateID = errors.New("catalog: character with that ID already exists")

// Store gives read access to characters.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Get returns the character with the given id or [ErrNotFound].
	Get(ctx context.Context, id string) (Character, error)

	// List returns every character ordered by name.
	List(ctx context.Context) ([]Character, error)
}

var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store].
type MemStore struct {
	mu    sync.RWMutex
	chars map[string]Character
}

// NewMemStore returns a MemStore holding chars. Duplicate ids are rejected.
func NewMemStore(chars ...Character) (*MemStore, error) {
	s := &MemStore{chars: make(map[string]Character, len(chars))}
	for _, c := range chars {
		if err := s.Add(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add inserts c. The id must be non-empty and unused.
func (s *MemStore) Add(c Character) error {
	if c.ID == "" {
		return fmt.Errorf("catalog: add %q: id must not be empty", c.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chars[c.ID]; exists {
		return fmt.Errorf("catalog: add %q: %w", c.ID, ErrDuplicateID)
	}
	s.chars[c.ID] = c
	return nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, id string) (Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chars[id]
	if !ok {
		return Character{}, ErrNotFound
	}
	return c, nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context) ([]Character, error) {
	s.mu.RLock()
	out := make([]Character, 0, len(s.chars))
	for _, c := range s.chars {
		out = append(out, c)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Character) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Len returns the number of characters.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chars)
}
