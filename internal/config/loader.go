package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references are expanded from the environment before decoding, so
// secrets can stay in the environment or a .env file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, errors.New("providers.llm_fallbacks is set but providers.llm is not configured"))
		} else {
			slog.Warn("no LLM provider configured; questions cannot be answered")
		}
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; retrieval will be unavailable")
	}

	// Storage
	if cfg.Redis.Addr == "" {
		slog.Warn("redis.addr is empty; games, sessions and rate limits are kept in process memory")
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; using an empty in-memory chunk index")
	}
	if cfg.Postgres.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("postgres.embedding_dimensions %d must not be negative", cfg.Postgres.EmbeddingDimensions))
	}

	// Game
	if cfg.Game.TTL < 0 {
		errs = append(errs, fmt.Errorf("game.ttl %s must not be negative", cfg.Game.TTL))
	}
	if cfg.Game.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("game.session_ttl %s must not be negative", cfg.Game.SessionTTL))
	}
	if cfg.Game.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("game.query_timeout %s must not be negative", cfg.Game.QueryTimeout))
	}
	if cfg.Game.MaxQuestionLen < 0 {
		errs = append(errs, fmt.Errorf("game.max_question_len %d must not be negative", cfg.Game.MaxQuestionLen))
	}
	if cfg.Game.CatalogPath == "" {
		slog.Warn("game.catalog_path is empty; no characters can be chosen")
	}

	// Rate limits
	rl := cfg.RateLimit
	if rl.Backend != "" && !rl.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("rate_limit.backend %q is invalid; valid values: redis, memory", rl.Backend))
	}
	if rl.Backend == RateLimitRedis && cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("rate_limit.backend is redis but redis.addr is not configured"))
	}
	if rl.MaxRequests < 0 || rl.ViolationThreshold < 0 || rl.EdgeBurst < 0 {
		errs = append(errs, errors.New("rate_limit counts must not be negative"))
	}
	if rl.Window < 0 || rl.BlockDuration < 0 {
		errs = append(errs, errors.New("rate_limit durations must not be negative"))
	}
	if rl.EdgeRPS < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.edge_rps %g must not be negative", rl.EdgeRPS))
	}

	// Retrieval
	if cfg.Retrieval.TopK < 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k %d must not be negative", cfg.Retrieval.TopK))
	}
	if d := cfg.Retrieval.MaxDistance; d < 0 || d > 2 {
		errs = append(errs, fmt.Errorf("retrieval.max_distance %.2f is out of range [0, 2]", d))
	}
	if cfg.Retrieval.Decoys < 0 {
		errs = append(errs, fmt.Errorf("retrieval.decoys %d must not be negative", cfg.Retrieval.Decoys))
	}
	for i, r := range cfg.Retrieval.ExpansionRules {
		if len(r.Keywords) == 0 || len(r.Terms) == 0 {
			errs = append(errs, fmt.Errorf("retrieval.expansion_rules[%d] needs keywords and terms", i))
		}
	}

	return errors.Join(errs...)
}

// RateLimitBackendOrDefault resolves an unset backend: redis when Redis is
// configured, memory otherwise.
func (c *Config) RateLimitBackendOrDefault() RateLimitBackend {
	if c.RateLimit.Backend != "" {
		return c.RateLimit.Backend
	}
	if c.Redis.Addr != "" {
		return RateLimitRedis
	}
	return RateLimitMemory
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
