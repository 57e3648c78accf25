// Package app wires all spoilerguess subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithRedis, WithIndex,
// WithCatalog, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/spoilerguess/internal/catalog"
	"github.com/MrWong99/spoilerguess/internal/config"
	"github.com/MrWong99/spoilerguess/internal/game"
	"github.com/MrWong99/spoilerguess/internal/gateway"
	"github.com/MrWong99/spoilerguess/internal/health"
	"github.com/MrWong99/spoilerguess/internal/httpapi"
	"github.com/MrWong99/spoilerguess/internal/observe"
	"github.com/MrWong99/spoilerguess/internal/play"
	"github.com/MrWong99/spoilerguess/internal/prompt"
	"github.com/MrWong99/spoilerguess/internal/ratelimit"
	"github.com/MrWong99/spoilerguess/internal/resilience"
	"github.com/MrWong99/spoilerguess/internal/retrieval"
	"github.com/MrWong99/spoilerguess/internal/retrieval/postgres"
	"github.com/MrWong99/spoilerguess/internal/session"
	"github.com/MrWong99/spoilerguess/pkg/arc"
	"github.com/MrWong99/spoilerguess/pkg/provider/embeddings"
	"github.com/MrWong99/spoilerguess/pkg/provider/llm"
)

// Defaults for the edge limiter on game creation.
const (
	defaultEdgeRPS   = 1
	defaultEdgeBurst = 5
)

// NamedLLM is an LLM backend with the name its breaker reports under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the model backends. Populated by main.go via the config
// registry. LLM and Embeddings are required.
type Providers struct {
	LLM          llm.Provider
	LLMFallbacks []NamedLLM
	Embeddings   embeddings.Provider
}

// detector is implemented by embedding providers that can probe their vector
// dimension, such as the Ollama provider.
type detector interface {
	Detect(ctx context.Context) (int, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	rdb      redis.UniversalClient
	games    game.Backend
	sessions session.Store
	limiter  ratelimit.Limiter
	catalog  *catalog.File
	index    retrieval.Index
	metrics  *observe.Metrics
	metricsH http.Handler
	checkers []health.Checker
	play     *play.Service
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRedis uses rdb instead of dialling cfg.Redis. The caller keeps
// ownership and closes it.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(a *App) { a.rdb = rdb }
}

// WithIndex uses idx instead of connecting to cfg.Postgres.
func WithIndex(idx retrieval.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithCatalog uses f instead of loading cfg.Game.CatalogPath.
func WithCatalog(f *catalog.File) Option {
	return func(a *App) { a.catalog = f }
}

// WithMetrics records on m instead of observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: Redis connection, catalog
// loading, chunk index connection and migration, and HTTP router assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if providers.Embeddings == nil {
		return nil, errors.New("app: an embeddings provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Redis-backed state ────────────────────────────────────────────
	if err := a.initState(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init state: %w", err)
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	arcs, chars, err := a.initCatalog()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 3. Chunk index ───────────────────────────────────────────────────
	if err := a.initIndex(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init index: %w", err)
	}

	// ── 4. Prompt template ───────────────────────────────────────────────
	prompts, err := prompt.LoadBuilder(cfg.Game.PromptTemplate)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: load prompt template: %w", err)
	}

	// ── 5. Play service ──────────────────────────────────────────────────
	a.play = play.New(play.Deps{
		Games:     a.games,
		Sessions:  a.sessions,
		Pool:      catalog.NewPool(chars, arcs),
		Prompts:   prompts,
		Retriever: a.buildRetrieval(),
		Gateway:   a.buildGateway(),
		Metrics:   a.metrics,
	}, play.Config{
		WelcomeMessage: cfg.Game.WelcomeMessage,
		LockTTL:        a.lockTTL(),
		MaxQuestionLen: cfg.Game.MaxQuestionLen,
	})

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	slog.Info("app initialised",
		"characters", chars.Len(),
		"arcs", len(arcs.Arcs()),
		"redis", a.rdb != nil,
		"rate_limit_backend", cfg.RateLimitBackendOrDefault(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initState connects Redis when configured and builds the game, session and
// rate-limit stores on top of it, falling back to process memory.
func (a *App) initState(ctx context.Context) error {
	cfg := a.cfg
	if a.rdb == nil && cfg.Redis.Addr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("ping redis %q: %w", cfg.Redis.Addr, err)
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	if a.rdb != nil {
		var gameOpts []game.RedisOption
		if cfg.Game.TTL > 0 {
			gameOpts = append(gameOpts, game.WithTTL(cfg.Game.TTL))
		}
		a.games = game.NewRedisStore(a.rdb, gameOpts...)
		a.sessions = session.NewRedisStore(a.rdb, session.WithTTL(cfg.Game.SessionTTL))
		a.checkers = append(a.checkers, health.Redis(a.rdb))
	} else {
		var gameOpts []game.MemOption
		if cfg.Game.TTL > 0 {
			gameOpts = append(gameOpts, game.WithMemTTL(cfg.Game.TTL))
		}
		a.games = game.NewMemStore(gameOpts...)
		a.sessions = session.NewMemStore(session.WithTTL(cfg.Game.SessionTTL))
	}

	switch cfg.RateLimitBackendOrDefault() {
	case config.RateLimitRedis:
		if a.rdb == nil {
			return errors.New("rate_limit.backend is redis but no redis client is configured")
		}
		a.limiter = ratelimit.NewRedisLimiter(a.rdb)
	default:
		a.limiter = ratelimit.NewMemLimiter()
	}
	return nil
}

// initCatalog loads and indexes the character catalog.
func (a *App) initCatalog() (*arc.Catalog, *catalog.MemStore, error) {
	if a.catalog == nil {
		if a.cfg.Game.CatalogPath == "" {
			return nil, nil, errors.New("game.catalog_path is required")
		}
		f, err := catalog.LoadFile(a.cfg.Game.CatalogPath)
		if err != nil {
			return nil, nil, err
		}
		a.catalog = f
	}
	return catalog.Build(a.catalog)
}

// initIndex connects the pgvector index, or an empty in-memory one when no
// DSN is configured.
func (a *App) initIndex(ctx context.Context) error {
	if a.index != nil {
		if p, ok := a.index.(health.Pinger); ok {
			a.checkers = append(a.checkers, health.Ping("postgres", p))
		}
		return nil
	}

	dims := a.cfg.Postgres.EmbeddingDimensions
	if d, ok := a.providers.Embeddings.(detector); ok {
		detected, err := d.Detect(ctx)
		if err != nil {
			return fmt.Errorf("detect embedding dimensions: %w", err)
		}
		if dims > 0 && dims != detected {
			return fmt.Errorf("postgres.embedding_dimensions %d does not match the embeddings model (%d)", dims, detected)
		}
		dims = detected
	}
	if dims == 0 {
		dims = a.providers.Embeddings.Dimensions()
	}

	if a.cfg.Postgres.DSN == "" {
		a.index = retrieval.NewMemIndex()
		return nil
	}
	if dims <= 0 {
		return errors.New("embedding dimension is unknown; set postgres.embedding_dimensions")
	}
	idx, err := postgres.NewIndex(ctx, a.cfg.Postgres.DSN, dims)
	if err != nil {
		return err
	}
	a.index = idx
	a.checkers = append(a.checkers, health.Ping("postgres", idx))
	a.closers = append(a.closers, func() error {
		idx.Close()
		return nil
	})
	return nil
}

// buildRetrieval assembles the retrieval service from cfg.Retrieval.
func (a *App) buildRetrieval() *retrieval.Service {
	rc := a.cfg.Retrieval
	opts := []retrieval.Option{
		retrieval.WithTopK(rc.TopK),
		retrieval.WithMaxDistance(rc.MaxDistance),
		retrieval.WithDecoys(rc.Decoys),
		retrieval.WithTimeout(a.cfg.Game.QueryTimeout),
		retrieval.WithMetrics(a.metrics),
	}
	if len(rc.ExpansionRules) > 0 {
		rules := make([]retrieval.Rule, len(rc.ExpansionRules))
		for i, r := range rc.ExpansionRules {
			rules[i] = retrieval.Rule{Keywords: r.Keywords, Terms: r.Terms}
		}
		opts = append(opts, retrieval.WithExpander(retrieval.NewExpander(rules)))
	}
	return retrieval.NewService(a.providers.Embeddings, a.index, opts...)
}

// lockTTL sizes the per-game lock from the same timeouts that bound
// retrieval and the gateway.
func (a *App) lockTTL() time.Duration {
	qt := a.cfg.Game.QueryTimeout
	return play.TurnLockTTL(cmp.Or(qt, retrieval.DefaultTimeout), cmp.Or(qt, gateway.DefaultTimeout))
}

// buildGateway puts the LLM, behind breakers when fallbacks are configured,
// behind the rate limiter.
func (a *App) buildGateway() *gateway.Gateway {
	model := a.providers.LLM
	if len(a.providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(model, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, to resilience.State) {
					slog.Warn("llm breaker changed state", "backend", name, "state", to.String())
					a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
				},
			},
		})
		for _, f := range a.providers.LLMFallbacks {
			fb.AddFallback(f.Name, f.Provider)
		}
		slog.Info("llm fallback chain", "backends", fb.Backends())
		model = fb
	}

	rl := a.cfg.RateLimit
	return gateway.New(model, a.limiter, gateway.Config{
		MaxRequests:        rl.MaxRequests,
		Window:             rl.Window,
		ViolationThreshold: rl.ViolationThreshold,
		BlockDuration:      rl.BlockDuration,
		Timeout:            a.cfg.Game.QueryTimeout,
	}, gateway.WithMetrics(a.metrics))
}

// initHTTP builds the router and the server around it.
func (a *App) initHTTP() {
	rps, burst := a.cfg.RateLimit.EdgeRPS, a.cfg.RateLimit.EdgeBurst
	if rps <= 0 {
		rps = defaultEdgeRPS
	}
	if burst <= 0 {
		burst = defaultEdgeBurst
	}

	a.handler = httpapi.NewRouter(httpapi.Deps{
		Game:           a.play,
		Sessions:       a.sessions,
		Health:         health.New(a.checkers...),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsH,
		StartLimiter:   ratelimit.NewEdgeLimiter(rps, burst),
	}, httpapi.Config{
		Cookie: session.CookieConfig{
			MaxAge: a.cfg.Game.SessionTTL,
			Secure: a.cfg.Server.SecureCookies,
		},
		TrustedProxies: a.cfg.Server.TrustedProxies,
	})

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// Play returns the play service.
func (a *App) Play() *play.Service { return a.play }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause);
// call Shutdown afterwards to drain in-flight requests.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP server, then closes subsystems in init order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New opened before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
