package retrieval

import (
	"strings"
	"unicode"
)

// Rule rewrites questions mentioning any of Keywords by appending Terms.
type Rule struct {
	Keywords []string `yaml:"keywords"`
	Terms    []string `yaml:"terms"`
}

// Expander rewrites a player question into a richer search query. Rules are
// tried in order and the first one with a matching keyword wins; rules are
// never combined. A question matching no rule is searched verbatim.
//
// Keywords match whole words or phrases, case-insensitively, so "age" does
// not fire on "rampage".
type Expander struct {
	rules []compiledRule
}

type compiledRule struct {
	keywords []string
	suffix   string
}

// NewExpander compiles rules. Rules without keywords or terms are skipped.
func NewExpander(rules []Rule) *Expander {
	e := &Expander{}
	for _, r := range rules {
		var kws []string
		for _, k := range r.Keywords {
			if k = normalize(k); k != "" {
				kws = append(kws, k)
			}
		}
		if len(kws) == 0 || len(r.Terms) == 0 {
			continue
		}
		e.rules = append(e.rules, compiledRule{
			keywords: kws,
			suffix:   strings.Join(r.Terms, ", "),
		})
	}
	return e
}

// Expand returns the search query for question.
func (e *Expander) Expand(question string) string {
	if e == nil {
		return question
	}
	padded := " " + normalize(question) + " "
	for _, r := range e.rules {
		for _, k := range r.keywords {
			if strings.Contains(padded, " "+k+" ") {
				return strings.TrimSpace(question) + " " + r.suffix
			}
		}
	}
	return question
}

// Len returns the number of active rules.
func (e *Expander) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// normalize lowercases s and turns every run of non-alphanumeric runes into a
// single space.
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

// DefaultRules is the built-in expansion table for One Piece characters.
var DefaultRules = []Rule{
	{
		Keywords: []string{"strong", "strength", "stronger", "strongest", "powerful", "power", "fight", "fighter", "fighting", "combat"},
		Terms:    []string{"combat ability", "fighting power", "techniques", "battles"},
	},
	{
		Keywords: []string{"devil fruit", "fruit", "logia", "paramecia", "zoan", "swim"},
		Terms:    []string{"Devil Fruit", "powers", "abilities", "weakness to sea water"},
	},
	{
		Keywords: []string{"haki", "conqueror", "armament", "observation"},
		Terms:    []string{"Haki", "Conqueror's Haki", "Armament Haki", "Observation Haki"},
	},
	{
		Keywords: []string{"sword", "swords", "swordsman", "blade", "weapon", "weapons", "gun"},
		Terms:    []string{"weapon", "fighting style", "swordsmanship", "equipment"},
	},
	{
		Keywords: []string{"crew", "captain", "pirate", "pirates", "member", "join", "joined"},
		Terms:    []string{"affiliation", "crew", "occupation", "position"},
	},
	{
		Keywords: []string{"marine", "marines", "navy", "government", "admiral", "vice admiral", "cp9", "world government"},
		Terms:    []string{"Marines", "World Government", "affiliation", "rank"},
	},
	{
		Keywords: []string{"bounty", "wanted", "berries", "berry", "reward"},
		Terms:    []string{"bounty", "wanted poster", "criminal record"},
	},
	{
		Keywords: []string{"family", "father", "mother", "brother", "sister", "parent", "parents", "son", "daughter", "related"},
		Terms:    []string{"family", "relatives", "parents", "siblings", "origin"},
	},
	{
		Keywords: []string{"born", "from", "hometown", "island", "sea", "origin", "grew up"},
		Terms:    []string{"birthplace", "origin", "residence", "background"},
	},
	{
		Keywords: []string{"look", "looks", "tall", "short", "hair", "wear", "wears", "scar", "appearance", "hat"},
		Terms:    []string{"appearance", "clothing", "physical description", "height"},
	},
	{
		Keywords: []string{"old", "age", "young", "older", "younger", "birthday"},
		Terms:    []string{"age", "birthday", "years old"},
	},
	{
		Keywords: []string{"dream", "goal", "want", "wants", "ambition"},
		Terms:    []string{"dream", "goal", "ambition", "motivation"},
	},
	{
		Keywords: []string{"man", "woman", "male", "female", "boy", "girl", "gender"},
		Terms:    []string{"gender", "sex", "personal information"},
	},
	{
		Keywords: []string{"personality", "nice", "mean", "kind", "funny", "evil", "villain", "good"},
		Terms:    []string{"personality", "behavior", "character traits", "morality"},
	},
}
