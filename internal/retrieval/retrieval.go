// Package retrieval finds indexed facts about the secret character that are
// safe to show the model.
//
// A search expands the player's question with domain keywords, embeds it, asks
// the semantic [Index] for the nearest chunks of one character, and then drops
// every chunk that is too far away or that is tagged with an arc beyond the
// player's spoiler horizon. Dropped spoilers leave no trace in the result.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/observe"
	"github.com/MrWong99/spoilerguess/pkg/arc"
	"github.com/MrWong99/spoilerguess/pkg/provider/embeddings"
)

// Defaults for [Service].
const (
	DefaultTopK        = 5
	DefaultMaxDistance = 0.55
	DefaultTimeout     = 10 * time.Second
)

// Chunk is one unit of indexed text about a character.
type Chunk struct {
	ID       string
	EntityID string
	Content  string
	// Arcs tags the chunk with every arc whose events it describes.
	Arcs      []string
	Embedding []float32
}

// Hit is a chunk returned by a nearest-neighbour search.
type Hit struct {
	Text     string
	Distance float64
	EntityID string
	Arcs     []string
}

// Filter restricts a nearest-neighbour search. Zero fields do not restrict.
type Filter struct {
	// EntityID keeps only chunks of this character.
	EntityID string
	// ExcludeEntityID drops chunks of this character.
	ExcludeEntityID string
}

// Index is a semantic index over character chunks.
type Index interface {
	// Search returns up to k hits ordered by ascending cosine distance.
	Search(ctx context.Context, embedding []float32, k int, f Filter) ([]Hit, error)
}

// Context is the retrieved material for one question.
type Context struct {
	// Facts are chunks about the secret character.
	Facts []string
	// Decoys are chunks about other characters, used so the model can tell
	// similar characters apart.
	Decoys []string
}

// Empty reports whether nothing was retrieved.
func (c Context) Empty() bool { return len(c.Facts) == 0 && len(c.Decoys) == 0 }

// Service runs spoiler-safe searches. It is safe for concurrent use.
type Service struct {
	embedder    embeddings.Provider
	index       Index
	expander    *Expander
	topK        int
	maxDistance float64
	decoys      int
	timeout     time.Duration
	metrics     *observe.Metrics
}

// Option configures a [Service].
type Option func(*Service)

// WithExpander replaces the default One Piece expansion rules.
func WithExpander(e *Expander) Option {
	return func(s *Service) { s.expander = e }
}

// WithTopK sets the default number of neighbours requested per search.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithMaxDistance sets the cosine distance above which hits are dropped.
func WithMaxDistance(d float64) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxDistance = d
		}
	}
}

// WithDecoys sets how many chunks about other characters [Service.Context]
// retrieves. Zero disables decoys.
func WithDecoys(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.decoys = n
		}
	}
}

// WithTimeout bounds each embed plus search round.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetrics records retrieval latency and filtered chunk counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService returns a Service. The embedder must be the model the index was
// built with.
func NewService(embedder embeddings.Provider, index Index, opts ...Option) *Service {
	s := &Service{
		embedder:    embedder,
		index:       index,
		expander:    NewExpander(DefaultRules),
		topK:        DefaultTopK,
		maxDistance: DefaultMaxDistance,
		timeout:     DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search returns the texts of up to k chunks about entityID relevant to
// question, nearest first. Chunks farther than the distance threshold or
// tagged with a forbidden arc are dropped. An empty result is not an error.
// A non-positive k uses the service default.
func (s *Service) Search(ctx context.Context, entityID, question string, forbidden arc.Set, k int) ([]string, error) {
	const op = "retrieval.Search"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.embed(ctx, question)
	if err != nil {
		return nil, apperr.Unavailable(op, err)
	}
	texts, err := s.nearest(ctx, vec, s.k(k), Filter{EntityID: entityID}, forbidden, "target")
	if err != nil {
		return nil, apperr.Unavailable(op, err)
	}
	return texts, nil
}

// Decoys is [Service.Search] over every character except entityID.
func (s *Service) Decoys(ctx context.Context, entityID, question string, forbidden arc.Set, k int) ([]string, error) {
	const op = "retrieval.Decoys"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.embed(ctx, question)
	if err != nil {
		return nil, apperr.Unavailable(op, err)
	}
	texts, err := s.nearest(ctx, vec, s.k(k), Filter{ExcludeEntityID: entityID}, forbidden, "decoy")
	if err != nil {
		return nil, apperr.Unavailable(op, err)
	}
	return texts, nil
}

// Context embeds question once and runs the target and decoy searches
// concurrently. A failed decoy search is logged and leaves Decoys empty; a
// failed target search fails the call.
func (s *Service) Context(ctx context.Context, entityID, question string, forbidden arc.Set) (Context, error) {
	const op = "retrieval.Context"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.embed(ctx, question)
	if err != nil {
		return Context{}, apperr.Unavailable(op, err)
	}

	var out Context
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		facts, err := s.nearest(gctx, vec, s.topK, Filter{EntityID: entityID}, forbidden, "target")
		out.Facts = facts
		return err
	})
	if s.decoys > 0 {
		g.Go(func() error {
			decoys, err := s.nearest(gctx, vec, s.decoys, Filter{ExcludeEntityID: entityID}, forbidden, "decoy")
			if err != nil {
				slog.Warn("decoy search failed", "entity_id", entityID, "err", err)
				return nil
			}
			out.Decoys = decoys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Context{}, apperr.Unavailable(op, err)
	}
	return out, nil
}

func (s *Service) k(k int) int {
	if k <= 0 {
		return s.topK
	}
	return k
}

func (s *Service) embed(ctx context.Context, question string) ([]float32, error) {
	query := s.expander.Expand(question)
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return vec, nil
}

// nearest searches the index and applies the distance and spoiler filters.
func (s *Service) nearest(ctx context.Context, vec []float32, k int, f Filter, forbidden arc.Set, scope string) ([]string, error) {
	ctx, span := observe.StartSpan(ctx, "retrieval.nearest",
		trace.WithAttributes(attribute.String("retrieval.scope", scope), attribute.Int("retrieval.k", k)),
	)
	defer span.End()

	start := time.Now()
	hits, err := s.index.Search(ctx, vec, k, f)
	if s.metrics != nil {
		s.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("scope", scope)))
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("retrieval: search %s: %w", scope, err)
	}

	slices.SortStableFunc(hits, func(a, b Hit) int { return cmp.Compare(a.Distance, b.Distance) })
	if len(hits) > k {
		hits = hits[:k]
	}

	texts := make([]string, 0, len(hits))
	var tooFar, spoilers int
	for _, h := range hits {
		switch {
		case h.Distance > s.maxDistance:
			tooFar++
		case forbidden.Intersects(h.Arcs):
			spoilers++
		default:
			texts = append(texts, h.Text)
		}
	}
	span.SetAttributes(
		attribute.Int("retrieval.hits", len(hits)),
		attribute.Int("retrieval.kept", len(texts)),
	)
	if s.metrics != nil {
		s.metrics.RecordFiltered(ctx, "distance", tooFar)
		s.metrics.RecordFiltered(ctx, "spoiler", spoilers)
	}
	return texts, nil
}
