// Package httpapi exposes the game over JSON/HTTP with gin.
//
// Routes:
//
//	POST /api/games                  start a game
//	POST /api/games/:id/questions    ask a yes/no question
//	POST /api/games/:id/guesses      guess the character
//	POST /api/games/:id/reveal       give up and reveal
//	GET  /api/games/:id              validate a game and list its messages
//	GET  /api/session                current horizon and active game
//	GET  /healthz, /readyz           probes
//	GET  /metrics                    Prometheus exposition
//
// Every /api route runs behind the session cookie middleware and is never
// cached.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	ginGzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	cachecontrol "go.eigsys.de/gin-cachecontrol/v2"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/health"
	"github.com/MrWong99/spoilerguess/internal/observe"
	"github.com/MrWong99/spoilerguess/internal/play"
	"github.com/MrWong99/spoilerguess/internal/ratelimit"
	"github.com/MrWong99/spoilerguess/internal/session"
)

// Game is the play surface served by the router. [*play.Service] implements it.
type Game interface {
	StartGame(ctx context.Context, sid string, req play.StartRequest) (play.StartResponse, error)
	AskQuestion(ctx context.Context, sid, gameID, question string) (play.Answer, error)
	MakeGuess(ctx context.Context, sid, gameID, guess string) (play.GuessResult, error)
	Reveal(ctx context.Context, sid, gameID string) (play.RevealResult, error)
	ValidateSession(ctx context.Context, sid, gameID string) (play.Validation, error)
	Session(ctx context.Context, sid string) (play.SessionInfo, error)
}

var _ Game = (*play.Service)(nil)

// Deps are the collaborators of the router. Game and Sessions are required.
type Deps struct {
	Game     Game
	Sessions session.Store

	// Health serves /healthz and /readyz. Nil serves a checker-less handler.
	Health *health.Handler

	// Metrics feeds the request middleware. Nil uses observe.DefaultMetrics.
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Nil leaves the route unregistered.
	MetricsHandler http.Handler

	// StartLimiter throttles game creation per client IP. Nil disables it.
	StartLimiter *ratelimit.EdgeLimiter
}

// Config holds router settings.
type Config struct {
	Cookie session.CookieConfig

	// TrustedProxies is passed to gin. Nil trusts no proxy, so ClientIP is
	// the socket peer.
	TrustedProxies []string
}

// NewRouter builds the gin engine.
func NewRouter(d Deps, cfg Config) *gin.Engine {
	if d.Health == nil {
		d.Health = health.New()
	}
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		slog.Warn("httpapi: failed to set trusted proxies", "err", err)
	}

	r.Use(observe.Middleware(d.Metrics))
	r.Use(gin.CustomRecovery(recovered))
	r.Use(ginGzip.Gzip(ginGzip.DefaultCompression, ginGzip.WithExcludedPaths([]string{"/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{Error: "route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	d.Health.Register(r)
	if d.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(d.MetricsHandler))
	}

	h := &handler{game: d.Game}

	api := r.Group("/api")
	api.Use(cachecontrol.New(cachecontrol.Config{
		NoStore:        true,
		NoCache:        true,
		MustRevalidate: true,
	}))
	api.Use(session.Middleware(d.Sessions, cfg.Cookie))

	api.POST("/games", edgeLimit(d.StartLimiter, d.Metrics), h.startGame)
	api.GET("/games/:id", h.validateSession)
	api.POST("/games/:id/questions", h.askQuestion)
	api.POST("/games/:id/guesses", h.makeGuess)
	api.POST("/games/:id/reveal", h.reveal)
	api.GET("/session", h.session)

	return r
}

// edgeLimit rejects bursts from a single client IP before any store or model
// work happens.
func edgeLimit(l *ratelimit.EdgeLimiter, m *observe.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		m.RecordRateLimited(c.Request.Context(), "edge")
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{
			Error: apperr.UserMessage(apperr.RateLimited("httpapi.edgeLimit", 0)),
		})
	}
}

func recovered(c *gin.Context, v any) {
	observe.Logger(c.Request.Context()).Error("httpapi: handler panicked",
		"panic", v,
		"route", c.FullPath(),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
		Error: apperr.UserMessage(nil),
	})
}
