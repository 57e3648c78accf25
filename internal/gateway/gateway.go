// Package gateway is the single path from the game to the language model.
//
// A [Gateway] puts a per-identifier rate limit in front of an [llm.Provider]:
// blocked identifiers are refused, rejected requests are counted as
// violations, and an identifier that collects enough violations is blocked
// for a while. Admitted queries reach the provider exactly once, under a
// deadline, and any provider failure is reported as service unavailable.
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/observe"
	"github.com/MrWong99/spoilerguess/internal/ratelimit"
	"github.com/MrWong99/spoilerguess/pkg/provider/llm"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultMaxRequests        = 5
	DefaultWindow             = time.Minute
	DefaultViolationThreshold = 3
	DefaultBlockDuration      = time.Hour
	DefaultTimeout            = 30 * time.Second
)

// ErrEmptyAnswer is wrapped when the model returns no text.
var ErrEmptyAnswer = errors.New("gateway: model returned an empty answer")

// Config tunes a [Gateway].
type Config struct {
	// MaxRequests admitted per identifier inside Window.
	MaxRequests int
	Window      time.Duration

	// ViolationThreshold is the number of rejected requests after which the
	// identifier is blocked for BlockDuration.
	ViolationThreshold int
	BlockDuration      time.Duration

	// Timeout bounds a single provider call.
	Timeout time.Duration

	// Temperature and MaxTokens are forwarded to the provider. Zero keeps
	// the provider default.
	Temperature float64
	MaxTokens   int
}

func (c *Config) applyDefaults() {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.ViolationThreshold <= 0 {
		c.ViolationThreshold = DefaultViolationThreshold
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Gateway invokes the model on behalf of the game. It is safe for concurrent
// use.
type Gateway struct {
	provider llm.Provider
	limiter  ratelimit.Limiter
	cfg      Config
	metrics  *observe.Metrics
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithMetrics records latency, provider outcomes and rejections on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New returns a Gateway calling p. A nil limiter disables rate limiting.
func New(p llm.Provider, limiter ratelimit.Limiter, cfg Config, opts ...Option) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{provider: p, limiter: limiter, cfg: cfg}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Config returns the effective configuration after defaults.
func (g *Gateway) Config() Config { return g.cfg }

// Query sends messages to the model and returns the trimmed answer text.
//
// When identifier is non-empty the call is rate limited under it; the
// returned error is then [apperr.ErrRateLimited] carrying a retry hint. Limiter
// and provider failures are [apperr.ErrServiceUnavailable]. The provider is
// never retried here.
func (g *Gateway) Query(ctx context.Context, messages []llm.Message, identifier string) (string, error) {
	const op = "gateway.Query"
	if len(messages) == 0 {
		return "", apperr.Validation(op, "no messages to send")
	}

	if identifier != "" && g.limiter != nil {
		if err := g.admit(ctx, identifier); err != nil {
			return "", err
		}
	}

	ctx, span := observe.StartSpan(ctx, "gateway.query",
		trace.WithAttributes(
			attribute.String("llm.model", g.provider.ModelID()),
			attribute.Int("llm.messages", len(messages)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req := llm.CompletionRequest{
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
	start := time.Now()
	resp, err := g.provider.Complete(ctx, req)
	g.recordCall(ctx, time.Since(start), err)

	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = ErrEmptyAnswer
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		observe.Logger(ctx).Warn("model query failed", "model", g.provider.ModelID(), "err", err)
		return "", apperr.Unavailable(op, err)
	}

	if resp.Usage.TotalTokens > 0 {
		span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
	}
	return strings.TrimSpace(resp.Content), nil
}

// admit applies the block list, the sliding window and violation escalation
// for identifier.
func (g *Gateway) admit(ctx context.Context, identifier string) error {
	const op = "gateway.Query"

	blocked, remaining, err := g.limiter.Blocked(ctx, identifier)
	if err != nil {
		return apperr.Unavailable(op, err)
	}
	if blocked {
		g.recordRejected(ctx, "blocked")
		return apperr.RateLimited(op, remaining)
	}

	dec, err := g.limiter.Admit(ctx, identifier, g.cfg.MaxRequests, g.cfg.Window)
	if err != nil {
		return apperr.Unavailable(op, err)
	}
	if dec.Allowed {
		return nil
	}

	g.recordRejected(ctx, "window")
	retry := dec.RetryAfter

	n, err := g.limiter.RecordViolation(ctx, identifier)
	if err != nil {
		observe.Logger(ctx).Warn("failed to record rate limit violation", "identifier", identifier, "err", err)
		return apperr.RateLimited(op, retry)
	}
	if n >= g.cfg.ViolationThreshold {
		if err := g.limiter.Block(ctx, identifier, g.cfg.BlockDuration); err != nil {
			observe.Logger(ctx).Warn("failed to block identifier", "identifier", identifier, "err", err)
			return apperr.RateLimited(op, retry)
		}
		observe.Logger(ctx).Warn("identifier blocked after repeated rate limit violations",
			"identifier", identifier,
			"violations", n,
			"duration", g.cfg.BlockDuration,
		)
		if g.metrics != nil {
			g.metrics.IdentifiersBlocked.Add(ctx, 1)
		}
		retry = g.cfg.BlockDuration
	}
	return apperr.RateLimited(op, retry)
}

func (g *Gateway) recordRejected(ctx context.Context, reason string) {
	if g.metrics != nil {
		g.metrics.RecordRateLimited(ctx, reason)
	}
}

func (g *Gateway) recordCall(ctx context.Context, d time.Duration, err error) {
	if g.metrics == nil {
		return
	}
	model := g.provider.ModelID()
	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		observe.Attr("model", model),
		observe.Attr("status", status),
	))
	g.metrics.RecordProviderRequest(ctx, model, "llm", status)
}
