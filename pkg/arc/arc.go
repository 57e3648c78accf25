// Package arc orders story arcs (spoiler checkpoints) and computes which of
// them lie beyond a player's chosen horizon.
//
// Each arc carries the last chapter and/or episode it covers. Arcs are
// compared on chapter when both sides have one, otherwise on episode. An arc
// with no comparable position is never assumed to be safe: it is forbidden
// for every horizon except All.
package arc

import (
	"errors"
	"fmt"
	"strings"
)

// All is the supremum horizon. It forbids nothing.
const All = "All"

// ErrUnknownArc is returned when a horizon names an arc the catalog does not know.
var ErrUnknownArc = errors.New("arc: unknown arc")

// Arc is a named checkpoint of the source material.
type Arc struct {
	Name       string `yaml:"name"`
	MaxChapter *int   `yaml:"max_chapter"`
	MaxEpisode *int   `yaml:"max_episode"`
}

// HasPosition reports whether the arc carries any content position.
func (a Arc) HasPosition() bool {
	return a.MaxChapter != nil || a.MaxEpisode != nil
}

// after reports whether a lies strictly beyond h. ok is false when the two
// arcs share no position kind and therefore cannot be ordered.
func (a Arc) after(h Arc) (after, ok bool) {
	switch {
	case a.MaxChapter != nil && h.MaxChapter != nil:
		return *a.MaxChapter > *h.MaxChapter, true
	case a.MaxEpisode != nil && h.MaxEpisode != nil:
		return *a.MaxEpisode > *h.MaxEpisode, true
	default:
		return false, false
	}
}

// Catalog is the ordered, read-only list of arcs. It is safe for concurrent use.
type Catalog struct {
	arcs  []Arc
	index map[string]int
}

// NewCatalog validates arcs and returns a Catalog in the given order.
// Names must be unique, non-empty and must not collide with All.
func NewCatalog(arcs []Arc) (*Catalog, error) {
	c := &Catalog{
		arcs:  make([]Arc, len(arcs)),
		index: make(map[string]int, len(arcs)),
	}
	copy(c.arcs, arcs)

	var errs []error
	for i, a := range c.arcs {
		name := strings.TrimSpace(a.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("arc[%d]: name is required", i))
			continue
		case strings.EqualFold(name, All):
			errs = append(errs, fmt.Errorf("arc[%d]: %q is reserved", i, All))
			continue
		}
		if _, dup := c.index[strings.ToLower(name)]; dup {
			errs = append(errs, fmt.Errorf("arc[%d]: duplicate name %q", i, name))
			continue
		}
		if a.MaxChapter != nil && *a.MaxChapter < 0 {
			errs = append(errs, fmt.Errorf("arc %q: max_chapter must be >= 0", name))
		}
		if a.MaxEpisode != nil && *a.MaxEpisode < 0 {
			errs = append(errs, fmt.Errorf("arc %q: max_episode must be >= 0", name))
		}
		c.arcs[i].Name = name
		c.index[strings.ToLower(name)] = i
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("arc: invalid catalog: %w", err)
	}
	return c, nil
}

// Arcs returns a copy of the arcs in catalog order.
func (c *Catalog) Arcs() []Arc {
	out := make([]Arc, len(c.arcs))
	copy(out, c.arcs)
	return out
}

// Lookup returns the arc with the given name (case-insensitive).
func (c *Catalog) Lookup(name string) (Arc, bool) {
	i, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Arc{}, false
	}
	return c.arcs[i], true
}

// Valid reports whether horizon is All or a known arc.
func (c *Catalog) Valid(horizon string) bool {
	if IsAll(horizon) {
		return true
	}
	_, ok := c.Lookup(horizon)
	return ok
}

// IsAll reports whether horizon is the unrestricted sentinel. An empty
// horizon counts as All.
func IsAll(horizon string) bool {
	h := strings.TrimSpace(horizon)
	return h == "" || strings.EqualFold(h, All)
}

// Forbidden returns the arcs strictly beyond horizon, in catalog order.
//
// All yields the empty set. The horizon arc itself is never forbidden. Arcs
// that cannot be ordered against the horizon are forbidden.
func (c *Catalog) Forbidden(horizon string) (Set, error) {
	if IsAll(horizon) {
		return Set{}, nil
	}
	h, ok := c.Lookup(horizon)
	if !ok {
		return Set{}, fmt.Errorf("%w: %q", ErrUnknownArc, horizon)
	}

	var names []string
	for _, a := range c.arcs {
		if a.Name == h.Name {
			continue
		}
		after, comparable := a.after(h)
		if after || !comparable {
			names = append(names, a.Name)
		}
	}
	return NewSet(names...), nil
}
