package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/spoilerguess/internal/config"
)

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"half tls", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
		{"unnamed fallback", "providers:\n  llm:\n    name: openai\n  llm_fallbacks:\n    - model: x\n", "llm_fallbacks[0].name"},
		{"fallback without primary", "providers:\n  llm_fallbacks:\n    - name: ollama\n", "providers.llm is not configured"},
		{"backend", "rate_limit:\n  backend: etcd\n", "rate_limit.backend"},
		{"redis backend without redis", "rate_limit:\n  backend: redis\n", "redis.addr"},
		{"negative window", "rate_limit:\n  window: -1s\n", "durations"},
		{"negative edge rps", "rate_limit:\n  edge_rps: -1\n", "edge_rps"},
		{"max distance", "retrieval:\n  max_distance: 2.5\n", "max_distance"},
		{"negative decoys", "retrieval:\n  decoys: -1\n", "decoys"},
		{"empty expansion rule", "retrieval:\n  expansion_rules:\n    - keywords: [fruit]\n", "expansion_rules[0]"},
		{"negative ttl", "game:\n  ttl: -5m\n", "game.ttl"},
		{"negative question length", "game:\n  max_question_len: -1\n", "max_question_len"},
		{"bad duration", "game:\n  ttl: forever\n", "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_JoinsAllProblems(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
retrieval:
  top_k: -1
  decoys: -2
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "top_k", "decoys"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error lacks %q: %v", want, err)
		}
	}
}

func TestValidate_MemoryBackendWithoutRedis(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("rate_limit:\n  backend: memory\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimitBackendOrDefault() != config.RateLimitMemory {
		t.Errorf("backend: got %q", cfg.RateLimitBackendOrDefault())
	}
}
