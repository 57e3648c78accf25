package catalog_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/catalog"
	"github.com/MrWong99/spoilerguess/pkg/arc"
)

const testCatalogYAML = `
arcs:
  - name: Romance Dawn
    max_chapter: 7
    max_episode: 3
  - name: Arlong Park
    max_chapter: 95
    max_episode: 44
  - name: Skypiea
    max_chapter: 302
    max_episode: 195
  - name: G-8
    max_episode: 206
  - name: Enies Lobby
    max_chapter: 430
    max_episode: 312
characters:
  - id: luffy
    name: Monkey D. Luffy
    aliases: [Luffy, Straw Hat]
    chapter: 1
    episode: 1
    arc: Romance Dawn
    classification: canon
    difficulty: easy
    attributes:
      affiliation: Straw Hat Pirates
      devil_fruit: Gomu Gomu no Mi
      bounty: ""
  - id: zoro
    name: Roronoa Zoro
    chapter: 3
    episode: 2
    arc: Romance Dawn
    classification: canon
    difficulty: easy
  - id: nami
    name: Nami
    chapter: 8
    episode: 1
    arc: Romance Dawn
    classification: canon
    difficulty: medium
  - id: lucci
    name: Rob Lucci
    chapter: 323
    episode: 229
    arc: Enies Lobby
    classification: canon
    difficulty: hard
  - id: jonathan
    name: Jonathan
    episode: 196
    arc: G-8
    classification: filler
  - id: mystery
    name: Mystery Man
    classification: canon
    difficulty: hard
`

func loadTestPool(t *testing.T, seed uint64) *catalog.Pool {
	t.Helper()
	f, err := catalog.LoadFromReader(strings.NewReader(testCatalogYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	arcs, store, err := catalog.Build(f)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return catalog.NewPool(store, arcs, catalog.WithRand(rand.New(rand.NewPCG(seed, seed))))
}

func ids(chars []catalog.Character) []string {
	out := make([]string, len(chars))
	for i, c := range chars {
		out[i] = c.ID
	}
	return out
}

func TestLoadFromReader_AttributeOrder(t *testing.T) {
	t.Parallel()

	f, err := catalog.LoadFromReader(strings.NewReader(testCatalogYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	luffy := f.Characters[0]
	var keys []string
	for _, a := range luffy.Attributes {
		keys = append(keys, a.Key)
	}
	if strings.Join(keys, ",") != "affiliation,devil_fruit,bounty" {
		t.Errorf("attribute order not preserved: %v", keys)
	}
	if v, ok := luffy.Attributes.Get("devil_fruit"); !ok || v != "Gomu Gomu no Mi" {
		t.Errorf("Get(devil_fruit) = %q, %v", v, ok)
	}
	if got := luffy.FirstAppearance(); got != "Chapter 1, Episode 1" {
		t.Errorf("FirstAppearance = %q", got)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := catalog.LoadFromReader(strings.NewReader("arcs: []\ncharacterz: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestBuild_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown arc", "arcs: []\ncharacters:\n  - {id: a, name: A, arc: Wano, classification: canon}\n"},
		{"bad classification", "arcs: []\ncharacters:\n  - {id: a, name: A, classification: movie}\n"},
		{"bad difficulty", "arcs: []\ncharacters:\n  - {id: a, name: A, classification: canon, difficulty: insane}\n"},
		{"duplicate id", "arcs: []\ncharacters:\n  - {id: a, name: A, classification: canon}\n  - {id: a, name: B, classification: canon}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := catalog.LoadFromReader(strings.NewReader(tt.yaml))
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			if _, _, err := catalog.Build(f); err == nil {
				t.Error("expected Build error")
			}
		})
	}
}

func TestCandidates(t *testing.T) {
	t.Parallel()
	p := loadTestPool(t, 1)
	ctx := context.Background()

	tests := []struct {
		name string
		sel  catalog.Selection
		want string
	}{
		{
			name: "skypiea canon all tiers",
			sel:  catalog.Selection{Horizon: "Skypiea"},
			want: "luffy,nami,zoro",
		},
		{
			name: "skypiea with filler and unrated",
			sel:  catalog.Selection{Horizon: "Skypiea", IncludeNonCanon: true, IncludeUnrated: true},
			want: "luffy,nami,zoro",
		},
		{
			name: "G-8 with filler and unrated",
			sel:  catalog.Selection{Horizon: "G-8", IncludeNonCanon: true, IncludeUnrated: true},
			want: "jonathan,luffy,nami,zoro",
		},
		{
			name: "all horizon includes position-less characters",
			sel:  catalog.Selection{Horizon: "All", Difficulty: "hard"},
			want: "mystery,lucci",
		},
		{
			name: "easy only",
			sel:  catalog.Selection{Horizon: "All", Difficulty: "Easy"},
			want: "luffy,zoro",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := p.Candidates(ctx, tt.sel)
			if err != nil {
				t.Fatalf("Candidates: %v", err)
			}
			if s := strings.Join(ids(got), ","); s != tt.want {
				t.Errorf("got %s, want %s", s, tt.want)
			}
		})
	}
}

func TestCandidates_DebutBeyondHorizon(t *testing.T) {
	t.Parallel()

	intPtr := func(n int) *int { return &n }
	arcs, store, err := catalog.Build(&catalog.File{
		Arcs: []arc.Arc{
			{Name: "Romance Dawn", MaxChapter: intPtr(7), MaxEpisode: intPtr(3)},
			{Name: "Warship Island", MaxEpisode: intPtr(60)},
		},
		Characters: []catalog.Character{
			{ID: "luffy", Name: "Monkey D. Luffy", Chapter: intPtr(1), Episode: intPtr(1), Arc: "Romance Dawn", Classification: catalog.Canon, Difficulty: catalog.Easy},
			// Filed under Romance Dawn but debuts hundreds of chapters later.
			{ID: "mistagged", Name: "Misfiled", Chapter: intPtr(500), Episode: intPtr(400), Arc: "Romance Dawn", Classification: catalog.Canon, Difficulty: catalog.Easy},
			{ID: "apis", Name: "Apis", Episode: intPtr(54), Arc: "Warship Island", Classification: catalog.Filler, Difficulty: catalog.Easy},
			{ID: "late_filler", Name: "Late Filler", Episode: intPtr(300), Arc: "Warship Island", Classification: catalog.Filler, Difficulty: catalog.Easy},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p := catalog.NewPool(store, arcs)
	ctx := context.Background()

	tests := []struct {
		horizon string
		want    string
	}{
		{"Romance Dawn", "luffy"},
		{"Warship Island", "apis,luffy"},
		{"All", "apis,late_filler,mistagged,luffy"},
	}
	for _, tt := range tests {
		got, err := p.Candidates(ctx, catalog.Selection{Horizon: tt.horizon, IncludeNonCanon: true})
		if err != nil {
			t.Fatalf("Candidates(%s): %v", tt.horizon, err)
		}
		if s := strings.Join(ids(got), ","); s != tt.want {
			t.Errorf("Candidates(%s) = %s, want %s", tt.horizon, s, tt.want)
		}
	}

	// Nami is filed under Romance Dawn in the shared fixture but debuts in
	// chapter 8, one past the arc's end.
	got, err := loadTestPool(t, 1).Candidates(ctx, catalog.Selection{Horizon: "Romance Dawn"})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if s := strings.Join(ids(got), ","); s != "luffy,zoro" {
		t.Errorf("Romance Dawn candidates = %s, want luffy,zoro", s)
	}
}

func TestCandidates_Validation(t *testing.T) {
	t.Parallel()
	p := loadTestPool(t, 1)
	ctx := context.Background()

	for _, sel := range []catalog.Selection{
		{Horizon: "All", Difficulty: "insane"},
		{Horizon: "Wano"},
		{Horizon: "All", FillerRatio: 1.5},
	} {
		_, err := p.Candidates(ctx, sel)
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Candidates(%+v): expected validation error, got %v", sel, err)
		}
	}
}

func TestChoose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("target comes from the pool", func(t *testing.T) {
		t.Parallel()
		p := loadTestPool(t, 7)
		target, pool, err := p.Choose(ctx, catalog.Selection{Horizon: "Skypiea"})
		if err != nil {
			t.Fatalf("Choose: %v", err)
		}
		if len(pool) != 3 {
			t.Fatalf("pool size = %d, want 3", len(pool))
		}
		found := false
		for _, b := range pool {
			if b.ID == target.ID {
				found = true
			}
		}
		if !found {
			t.Errorf("target %q not in pool", target.ID)
		}
	})

	t.Run("filler ratio 1 always picks filler", func(t *testing.T) {
		t.Parallel()
		p := loadTestPool(t, 3)
		sel := catalog.Selection{Horizon: "G-8", IncludeNonCanon: true, IncludeUnrated: true, FillerRatio: 1}
		for range 20 {
			target, _, err := p.Choose(ctx, sel)
			if err != nil {
				t.Fatalf("Choose: %v", err)
			}
			if target.Classification != catalog.Filler {
				t.Fatalf("expected filler target, got %q", target.ID)
			}
		}
	})

	t.Run("filler ratio 0 never picks filler", func(t *testing.T) {
		t.Parallel()
		p := loadTestPool(t, 5)
		sel := catalog.Selection{Horizon: "G-8", IncludeNonCanon: true, IncludeUnrated: true}
		for range 20 {
			target, _, err := p.Choose(ctx, sel)
			if err != nil {
				t.Fatalf("Choose: %v", err)
			}
			if target.Classification == catalog.Filler {
				t.Fatalf("unexpected filler target %q", target.ID)
			}
		}
	})

	t.Run("empty pool", func(t *testing.T) {
		t.Parallel()
		p := loadTestPool(t, 1)
		_, _, err := p.Choose(ctx, catalog.Selection{Horizon: "Romance Dawn", Difficulty: "hard"})
		if !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}
