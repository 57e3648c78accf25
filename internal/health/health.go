// Package health serves the liveness and readiness probes.
//
//   - /healthz: liveness, always 200 while the process serves HTTP.
//   - /readyz: readiness, 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and, for
// readiness, a "checks" map with the result of each named checker.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name labels the check in the response, e.g. "redis".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Redis returns a Checker that pings rdb.
func Redis(rdb redis.UniversalClient) Checker {
	return Checker{Name: "redis", Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
}

// Pinger is anything with a context-aware Ping, such as the pgvector index.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a Checker named name that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always reports ok.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under its own timeout.
// Failure details are logged, not returned.
func (h *Handler) Readyz(c *gin.Context) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)
	for _, chk := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
			defer cancel()
			err := chk.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("readiness check failed", "check", chk.Name, "err", err)
				checks[chk.Name] = "fail"
				allOK = false
				return
			}
			checks[chk.Name] = "ok"
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

// Register adds GET /healthz and GET /readyz to r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
}
