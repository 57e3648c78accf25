// Package catalog holds the character records a game can pick its secret
// target from, together with the arc list those characters debut in.
//
// The catalog is loaded once from a YAML file at startup ([LoadFile]) and is
// read-only afterwards. Building the file (scraping, cleanup) happens
// elsewhere.
package catalog

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Classification tells canon characters from anime-only filler.
type Classification string

const (
	Canon  Classification = "canon"
	Filler Classification = "filler"
)

// IsValid reports whether c is a recognised classification.
func (c Classification) IsValid() bool {
	return c == Canon || c == Filler
}

// Difficulty is the guessing difficulty tier of a character. The empty value
// means unrated.
type Difficulty string

const (
	Easy    Difficulty = "easy"
	Medium  Difficulty = "medium"
	Hard    Difficulty = "hard"
	Unrated Difficulty = ""
)

// IsValid reports whether d is a known tier or unrated.
func (d Difficulty) IsValid() bool {
	switch d {
	case Easy, Medium, Hard, Unrated:
		return true
	}
	return false
}

// Attribute is one structured fact about a character, e.g. "devil_fruit: Gomu Gomu no Mi".
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attributes keeps the order the attributes were written in.
type Attributes []Attribute

// UnmarshalYAML decodes a YAML mapping while preserving key order.
func (a *Attributes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("attributes: expected a mapping, got %s", kindName(node.Kind))
	}
	out := make(Attributes, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("attributes: line %d: value of %q must be a scalar", v.Line, k.Value)
		}
		out = append(out, Attribute{Key: k.Value, Value: v.Value})
	}
	*a = out
	return nil
}

// Get returns the value stored under key.
func (a Attributes) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// Character is the full record of a guessable character.
type Character struct {
	ID             string         `yaml:"id" json:"id"`
	Name           string         `yaml:"name" json:"name"`
	Aliases        []string       `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Chapter        *int           `yaml:"chapter,omitempty" json:"chapter,omitempty"`
	Episode        *int           `yaml:"episode,omitempty" json:"episode,omitempty"`
	Arc            string         `yaml:"arc" json:"arc"`
	Classification Classification `yaml:"classification" json:"classification"`
	Difficulty     Difficulty     `yaml:"difficulty,omitempty" json:"difficulty,omitempty"`
	Avatar         string         `yaml:"avatar,omitempty" json:"avatar,omitempty"`
	Attributes     Attributes     `yaml:"attributes,omitempty" json:"attributes,omitempty"`

	Summary     string `yaml:"summary,omitempty" json:"summary,omitempty"`
	Personality string `yaml:"personality,omitempty" json:"personality,omitempty"`
	Appearance  string `yaml:"appearance,omitempty" json:"appearance,omitempty"`
	Abilities   string `yaml:"abilities,omitempty" json:"abilities,omitempty"`
	History     string `yaml:"history,omitempty" json:"history,omitempty"`
}

// FirstAppearance renders the debut position, e.g. "Chapter 1, Episode 1".
// Empty when neither is known.
func (c Character) FirstAppearance() string {
	var parts []string
	if c.Chapter != nil {
		parts = append(parts, fmt.Sprintf("Chapter %d", *c.Chapter))
	}
	if c.Episode != nil {
		parts = append(parts, fmt.Sprintf("Episode %d", *c.Episode))
	}
	return strings.Join(parts, ", ")
}

// Basic returns the display-only projection of c.
func (c Character) Basic() Basic {
	return Basic{ID: c.ID, Name: c.Name, Avatar: c.Avatar}
}

// Basic is what clients get for the selectable character pool.
type Basic struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}
