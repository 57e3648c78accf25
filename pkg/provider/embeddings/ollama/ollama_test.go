package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/spoilerguess/pkg/provider/embeddings/ollama"
)

func embedServer(t *testing.T, wantModel string, vec []float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != wantModel {
			t.Errorf("model: got %q, want %q", req.Model, wantModel)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":      wantModel,
			"embeddings": [][]float32{vec},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	srv := embedServer(t, "nomic-embed-text", []float32{0.1, 0.2, 0.3})
	p, err := ollama.New(srv.URL+"/", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec, err := p.Embed(context.Background(), "search_query: is he a pirate")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("unexpected vector %v", vec)
	}
	if p.Dimensions() != 768 {
		t.Errorf("known model dimensions: got %d, want 768", p.Dimensions())
	}
}

func TestDetect_UnknownModel(t *testing.T) {
	t.Parallel()

	srv := embedServer(t, "custom-embed", []float32{1, 2, 3, 4, 5})
	p, err := ollama.New(srv.URL, "custom-embed")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 0 {
		t.Fatalf("expected unknown dimension before Detect, got %d", p.Dimensions())
	}

	d, err := p.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if d != 5 || p.Dimensions() != 5 {
		t.Errorf("Detect: got %d / %d, want 5", d, p.Dimensions())
	}
}

func TestWithDimensions(t *testing.T) {
	t.Parallel()

	p, err := ollama.New("", "custom-embed", ollama.WithDimensions(42))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d, err := p.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect should not probe when dimension is set: %v", err)
	}
	if d != 42 {
		t.Errorf("got %d, want 42", d)
	}
}

func TestEmbed_Errors(t *testing.T) {
	t.Parallel()

	if _, err := ollama.New("", ""); err == nil {
		t.Error("expected error for empty model")
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	p, _ := ollama.New(bad.URL, "nomic-embed-text")
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Error("expected error on non-200 status")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Embed(ctx, "x"); err == nil {
		t.Error("expected error on cancelled context")
	}
}
