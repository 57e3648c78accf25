package guess_test

import (
	"testing"

	"github.com/MrWong99/spoilerguess/internal/catalog"
	"github.com/MrWong99/spoilerguess/internal/guess"
)

var (
	luffy = catalog.Character{ID: "luffy", Name: "Monkey D. Luffy", Aliases: []string{"Straw Hat Luffy"}}
	zoro  = catalog.Character{ID: "zoro", Name: "Roronoa Zoro", Aliases: []string{"Pirate Hunter"}}
	robin = catalog.Character{ID: "robin", Name: "Nico Robin", Aliases: []string{"Miss All Sunday"}}
	mom   = catalog.Character{ID: "big_mom", Name: "Charlotte Linlin", Aliases: []string{"Big Mom"}}
)

func TestMatcher_Is(t *testing.T) {
	t.Parallel()

	m := guess.New()
	tests := []struct {
		name   string
		guess  string
		target catalog.Character
		want   bool
	}{
		{"full name", "Monkey D. Luffy", luffy, true},
		{"punctuation and case", "monkey d luffy!", luffy, true},
		{"given name only", "Luffy", luffy, true},
		{"misspelt", "luffi", luffy, true},
		{"double letter typo", "Zorro", zoro, true},
		{"alias", "pirate hunter", zoro, true},
		{"given name without initial", "Monkey Luffy", luffy, true},
		{"run together", "monkeydluffy", luffy, true},
		{"other character", "Zoro", luffy, false},
		{"unrelated", "Nami", luffy, false},
		{"initial alone", "D", luffy, false},
		{"blank", "   ", luffy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, ok := m.Is(tt.guess, tt.target)
			if ok != tt.want {
				t.Fatalf("Is(%q, %s) = %v (%+v), want %v", tt.guess, tt.target.Name, ok, res, tt.want)
			}
		})
	}
}

func TestMatcher_ExactScoresOne(t *testing.T) {
	t.Parallel()

	res, ok := guess.New().Match("ROronoa zoro", []string{"Roronoa Zoro"})
	if !ok {
		t.Fatal("exact guess did not match")
	}
	if res.Score != 1 || res.Name != "Roronoa Zoro" || res.Phonetic {
		t.Errorf("result = %+v, want exact match on the catalog spelling", res)
	}
}

func TestMatcher_ReturnsAliasSpelling(t *testing.T) {
	t.Parallel()

	res, ok := guess.New().Is("straw hat luffy", luffy)
	if !ok || res.Name != "Straw Hat Luffy" {
		t.Errorf("Is = %+v, %v; want the alias", res, ok)
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()

	m := guess.New(
		guess.WithPhoneticThreshold(0.99),
		guess.WithFuzzyThreshold(0.99),
	)
	if res, ok := m.Is("luffi", luffy); ok {
		t.Errorf("near miss accepted with strict thresholds: %+v", res)
	}
	if _, ok := m.Is("Luffy", luffy); !ok {
		t.Error("exact token rejected with strict thresholds")
	}
}

// Relatives share family names with the target; naming one of them must not
// count as naming the target.
func TestMatcher_SharedFamilyName(t *testing.T) {
	t.Parallel()

	m := guess.New()
	tests := []struct {
		guess  string
		target catalog.Character
	}{
		{"Monkey D. Garp", luffy},
		{"Monkey D. Dragon", luffy},
		{"Monkey", luffy},
		{"Nico Olvia", robin},
		{"Nico", robin},
		{"Charlotte Katakuri", mom},
		{"Charlotte", mom},
		{"Roronoa", zoro},
		{"Big Zoro", zoro},
	}
	for _, tt := range tests {
		t.Run(tt.guess, func(t *testing.T) {
			t.Parallel()
			if res, ok := m.Is(tt.guess, tt.target); ok {
				t.Errorf("Is(%q, %s) = %+v, want no match", tt.guess, tt.target.Name, res)
			}
		})
	}

	own := []struct {
		guess  string
		target catalog.Character
	}{
		{"Nico Robin", robin},
		{"robin", robin},
		{"Charlotte Linlin", mom},
		{"Linlin", mom},
		{"big mom", mom},
	}
	for _, tt := range own {
		if _, ok := m.Is(tt.guess, tt.target); !ok {
			t.Errorf("Is(%q, %s) rejected the target's own name", tt.guess, tt.target.Name)
		}
	}
}

func TestMatcher_NoNames(t *testing.T) {
	t.Parallel()

	if _, ok := guess.New().Match("Luffy", nil); ok {
		t.Error("matched against an empty name list")
	}
}
