package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/spoilerguess/pkg/arc"
)

// File is the top-level structure of a catalog YAML file.
//
// Example:
//
//	arcs:
//	  - name: Romance Dawn
//	    max_chapter: 7
//	    max_episode: 3
//	characters:
//	  - id: luffy
//	    name: Monkey D. Luffy
//	    aliases: [Luffy, Straw Hat]
//	    chapter: 1
//	    episode: 1
//	    arc: Romance Dawn
//	    classification: canon
//	    difficulty: easy
//	    attributes:
//	      affiliation: Straw Hat Pirates
//	      devil_fruit: Gomu Gomu no Mi
type File struct {
	Arcs       []arc.Arc   `yaml:"arcs"`
	Characters []Character `yaml:"characters"`
}

// LoadFile reads and parses a catalog YAML file from disk.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()

	cf, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %q: %w", path, err)
	}
	return cf, nil
}

// LoadFromReader parses catalog YAML from r. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*File, error) {
	var cf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	return &cf, nil
}

// Validate checks a single character.
//
// Rules:
//   - ID and Name must be non-empty.
//   - Classification must be canon or filler.
//   - Difficulty must be a known tier or empty.
func Validate(c Character) error {
	var errs []error
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if !c.Classification.IsValid() {
		errs = append(errs, fmt.Errorf("classification %q is not canon or filler", c.Classification))
	}
	if !c.Difficulty.IsValid() {
		errs = append(errs, fmt.Errorf("difficulty %q is not a recognised tier", c.Difficulty))
	}
	return errors.Join(errs...)
}

// Build validates f and returns its arc catalog and character store.
// Characters must reference arcs declared in the same file; an empty arc is
// allowed and makes the character visible only to unrestricted players.
func Build(f *File) (*arc.Catalog, *MemStore, error) {
	if f == nil {
		return nil, nil, errors.New("catalog: file must not be nil")
	}
	arcs, err := arc.NewCatalog(f.Arcs)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}

	var errs []error
	for i, c := range f.Characters {
		if err := Validate(c); err != nil {
			errs = append(errs, fmt.Errorf("character[%d] %q: %w", i, c.Name, err))
			continue
		}
		if c.Arc != "" {
			if _, ok := arcs.Lookup(c.Arc); !ok {
				errs = append(errs, fmt.Errorf("character[%d] %q: unknown arc %q", i, c.Name, c.Arc))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, fmt.Errorf("catalog: invalid characters: %w", err)
	}

	store, err := NewMemStore(f.Characters...)
	if err != nil {
		return nil, nil, err
	}
	return arcs, store, nil
}
