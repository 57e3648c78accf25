package retrieval

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"sync"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// index's.
var ErrDimensionMismatch = errors.New("retrieval: embedding dimension mismatch")

// MemIndex is a brute-force in-process [Index] using cosine distance. It is
// meant for development setups and tests with a handful of characters.
type MemIndex struct {
	mu     sync.RWMutex
	dims   int
	chunks map[string]Chunk
}

var _ Index = (*MemIndex)(nil)

// NewMemIndex returns an empty MemIndex.
func NewMemIndex() *MemIndex {
	return &MemIndex{chunks: make(map[string]Chunk)}
}

// IndexChunk stores c, replacing any chunk with the same ID. The first chunk
// fixes the index dimension.
func (m *MemIndex) IndexChunk(_ context.Context, c Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dims == 0 {
		m.dims = len(c.Embedding)
	}
	if len(c.Embedding) != m.dims {
		return ErrDimensionMismatch
	}
	c.Arcs = slices.Clone(c.Arcs)
	c.Embedding = slices.Clone(c.Embedding)
	m.chunks[c.ID] = c
	return nil
}

// Search implements [Index].
func (m *MemIndex) Search(_ context.Context, embedding []float32, k int, f Filter) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.chunks) > 0 && len(embedding) != m.dims {
		return nil, ErrDimensionMismatch
	}

	hits := make([]Hit, 0, len(m.chunks))
	ids := make([]string, 0, len(m.chunks))
	for id, c := range m.chunks {
		if f.EntityID != "" && c.EntityID != f.EntityID {
			continue
		}
		if f.ExcludeEntityID != "" && c.EntityID == f.ExcludeEntityID {
			continue
		}
		ids = append(ids, id)
	}
	// Map order is random; fix it so equal distances rank deterministically.
	slices.Sort(ids)
	for _, id := range ids {
		c := m.chunks[id]
		hits = append(hits, Hit{
			Text:     c.Content,
			Distance: cosineDistance(embedding, c.Embedding),
			EntityID: c.EntityID,
			Arcs:     slices.Clone(c.Arcs),
		})
	}
	slices.SortStableFunc(hits, func(a, b Hit) int { return cmp.Compare(a.Distance, b.Distance) })
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of stored chunks.
func (m *MemIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// cosineDistance is 1 - cos(a, b), matching pgvector's <=> operator. Zero
// vectors are at distance 1 from everything.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
