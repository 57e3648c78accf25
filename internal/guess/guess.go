// Package guess decides whether a player's guess names the secret character.
//
// Guesses are typed by fans, so spelling drifts ("Zorro", "luffi", "Monkey D
// Luffy"). A guess is compared with the character's name and every alias in
// three passes:
//
//  1. Exact match after lowercasing and stripping punctuation.
//  2. Phonetic: Double Metaphone codes of the guess tokens overlap the codes of
//     a name's tokens, and the token score reaches the phonetic threshold.
//  3. Fuzzy: no phonetic overlap, but the token score reaches the stricter
//     fuzzy threshold.
//
// The token score is the worst, over all guess tokens, of that token's best
// Jaro-Winkler score against the name's tokens. The name's last token must be
// the best match of some guess token. So "Luffy" names "Monkey D. Luffy", while
// "Monkey D. Garp" and a bare "Monkey" do not.
package guess

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/spoilerguess/internal/catalog"
)

const (
	defaultPhoneticThreshold = 0.88
	defaultFuzzyThreshold    = 0.93

	// minTokenLen drops initials like the "D" in "Monkey D. Luffy" from token
	// comparisons.
	minTokenLen = 3

	// joinSlack is how many runes shorter than a run-together name a
	// single-token guess may be and still be compared with it.
	joinSlack = 2
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically overlapping name. Default: 0.88.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when there is no
// phonetic overlap. Default: 0.93.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher checks guesses. It is read-only after construction and safe for
// concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Result describes the best name a guess matched.
type Result struct {
	// Name is the matched name or alias as written in the catalog.
	Name string
	// Score is the Jaro-Winkler similarity, 1 for exact matches.
	Score float64
	// Phonetic is set when the match came from the phonetic pass.
	Phonetic bool
}

// Names returns the strings a guess for c is checked against.
func Names(c catalog.Character) []string {
	out := make([]string, 0, 1+len(c.Aliases))
	out = append(out, c.Name)
	return append(out, c.Aliases...)
}

// Is reports whether guess names c.
func (m *Matcher) Is(guess string, c catalog.Character) (Result, bool) {
	return m.Match(guess, Names(c))
}

// Match returns the best of names that guess matches.
func (m *Matcher) Match(guess string, names []string) (Result, bool) {
	g := normalize(guess)
	if g == "" || len(names) == 0 {
		return Result{}, false
	}
	gTokens := tokens(g)
	gCodes := codesForTokens(gTokens)

	var best Result
	for _, name := range names {
		n := normalize(name)
		if n == "" {
			continue
		}
		if n == g {
			return Result{Name: name, Score: 1}, true
		}
		nTokens := tokens(n)
		score := tokenScore(gTokens, nTokens)

		if codesOverlap(gCodes, codesForTokens(nTokens)) {
			if score >= m.phoneticThreshold && (!best.Phonetic || score > best.Score) {
				best = Result{Name: name, Score: score, Phonetic: true}
			}
		} else if !best.Phonetic && score >= m.fuzzyThreshold && score > best.Score {
			best = Result{Name: name, Score: score}
		}
	}
	return best, best.Name != ""
}

// normalize lowercases s and collapses every run of non-alphanumeric runes
// into one space.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// tokens splits a normalized string, dropping tokens shorter than
// minTokenLen unless nothing else is left.
func tokens(s string) []string {
	all := strings.Fields(s)
	out := make([]string, 0, len(all))
	for _, t := range all {
		if len([]rune(t)) >= minTokenLen {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// tokenScore scores a guess against one name. Every guess token has to
// resemble some name token, and the name's last token has to be covered.
// A single-token guess is compared with the last token, and with the whole
// name run together when it is about as long ("monkeydluffy").
func tokenScore(guessTokens, nameTokens []string) float64 {
	if len(guessTokens) == 0 || len(nameTokens) == 0 {
		return 0
	}
	last := len(nameTokens) - 1

	if len(guessTokens) == 1 && len(nameTokens) > 1 {
		gt := guessTokens[0]
		score := matchr.JaroWinkler(gt, nameTokens[last], false)
		joined := strings.Join(nameTokens, "")
		if utf8.RuneCountInString(gt) >= utf8.RuneCountInString(joined)-joinSlack {
			score = max(score, matchr.JaroWinkler(gt, joined, false))
		}
		return score
	}

	score := 1.0
	covered := false
	for _, gt := range guessTokens {
		best, bestIdx := 0.0, -1
		for i, nt := range nameTokens {
			if s := matchr.JaroWinkler(gt, nt, false); s > best {
				best, bestIdx = s, i
			}
		}
		if bestIdx == last {
			covered = true
		}
		score = min(score, best)
	}
	if !covered {
		return 0
	}
	return score
}
