package catalog

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/pkg/arc"
)

// DifficultyAll selects every rated tier.
const DifficultyAll = "all"

// Selection narrows the characters a game may pick from.
type Selection struct {
	// Horizon is the player's spoiler horizon (an arc name or arc.All).
	Horizon string
	// Difficulty is easy, medium, hard or all. Empty means all.
	Difficulty string
	// IncludeUnrated admits characters without a difficulty tier.
	IncludeUnrated bool
	// IncludeNonCanon admits filler characters.
	IncludeNonCanon bool
	// FillerRatio is the chance in [0, 1] that the target is drawn from
	// filler characters when IncludeNonCanon is set.
	FillerRatio float64
}

// ParseDifficulty normalises s into a tier. DifficultyAll and "" map to Unrated
// with all=true.
func ParseDifficulty(s string) (d Difficulty, all bool, err error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", DifficultyAll:
		return Unrated, true, nil
	case string(Easy), string(Medium), string(Hard):
		return Difficulty(v), false, nil
	default:
		return Unrated, false, fmt.Errorf("unknown difficulty %q", s)
	}
}

// Pool picks target characters according to a Selection.
type Pool struct {
	store Store
	arcs  *arc.Catalog

	mu  sync.Mutex
	rng *rand.Rand
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRand sets the random source, for deterministic tests.
func WithRand(r *rand.Rand) PoolOption {
	return func(p *Pool) { p.rng = r }
}

// NewPool returns a Pool over store, judging debut arcs against arcs.
func NewPool(store Store, arcs *arc.Catalog, opts ...PoolOption) *Pool {
	p := &Pool{
		store: store,
		arcs:  arcs,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Arcs returns the arc catalog the pool judges horizons against.
func (p *Pool) Arcs() *arc.Catalog { return p.arcs }

// Candidates returns every character that satisfies sel, ordered by name.
func (p *Pool) Candidates(ctx context.Context, sel Selection) ([]Character, error) {
	const op = "catalog.Candidates"

	tier, allTiers, err := ParseDifficulty(sel.Difficulty)
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}
	if sel.FillerRatio < 0 || sel.FillerRatio > 1 {
		return nil, apperr.Validation(op, "filler ratio %.2f must be between 0 and 1", sel.FillerRatio)
	}
	forbidden, err := p.arcs.Forbidden(sel.Horizon)
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}
	unrestricted := arc.IsAll(sel.Horizon)
	horizon, _ := p.arcs.Lookup(sel.Horizon)

	all, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list characters: %w", err)
	}

	out := make([]Character, 0, len(all))
	for _, c := range all {
		if !unrestricted && (c.Arc == "" || forbidden.Contains(c.Arc) || debutsAfter(c, horizon)) {
			continue
		}
		if c.Classification == Filler && !sel.IncludeNonCanon {
			continue
		}
		switch {
		case c.Difficulty == Unrated:
			if !sel.IncludeUnrated {
				continue
			}
		case !allTiers && c.Difficulty != tier:
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// debutsAfter reports whether c's first appearance lies beyond the last
// chapter of h, or its last episode when chapters cannot be compared. It
// catches characters filed under an arc earlier than their debut.
func debutsAfter(c Character, h arc.Arc) bool {
	switch {
	case c.Chapter != nil && h.MaxChapter != nil:
		return *c.Chapter > *h.MaxChapter
	case c.Episode != nil && h.MaxEpisode != nil:
		return *c.Episode > *h.MaxEpisode
	default:
		return false
	}
}

// Choose picks one target for sel and returns it together with the display
// pool it was drawn from. An empty pool is a validation error.
func (p *Pool) Choose(ctx context.Context, sel Selection) (Character, []Basic, error) {
	cands, err := p.Candidates(ctx, sel)
	if err != nil {
		return Character{}, nil, err
	}
	if len(cands) == 0 {
		return Character{}, nil, apperr.Validation("catalog.Choose", "no characters match the selected filters")
	}

	var canon, filler []Character
	for _, c := range cands {
		if c.Classification == Filler {
			filler = append(filler, c)
		} else {
			canon = append(canon, c)
		}
	}

	p.mu.Lock()
	from := canon
	if len(canon) == 0 || (len(filler) > 0 && p.rng.Float64() < sel.FillerRatio) {
		from = filler
	}
	target := from[p.rng.IntN(len(from))]
	p.mu.Unlock()

	pool := make([]Basic, len(cands))
	for i, c := range cands {
		pool[i] = c.Basic()
	}
	return target, pool, nil
}
