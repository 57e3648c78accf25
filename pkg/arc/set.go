package arc

import "strings"

// Set is an immutable, ordered set of arc names. Membership is
// case-insensitive. The zero value is the empty set.
type Set struct {
	names []string
	index map[string]struct{}
}

// NewSet builds a Set from names, dropping blanks and duplicates while
// keeping first-seen order.
func NewSet(names ...string) Set {
	s := Set{index: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := strings.ToLower(n)
		if n == "" {
			continue
		}
		if _, dup := s.index[key]; dup {
			continue
		}
		s.index[key] = struct{}{}
		s.names = append(s.names, n)
	}
	return s
}

// Len returns the number of arcs in the set.
func (s Set) Len() int { return len(s.names) }

// Empty reports whether the set has no members.
func (s Set) Empty() bool { return len(s.names) == 0 }

// Contains reports whether name is a member.
func (s Set) Contains(name string) bool {
	_, ok := s.index[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Intersects reports whether any of names is a member.
func (s Set) Intersects(names []string) bool {
	if s.Empty() {
		return false
	}
	for _, n := range names {
		if s.Contains(n) {
			return true
		}
	}
	return false
}

// Names returns the members in insertion order.
func (s Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}
