package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/session"
	"github.com/MrWong99/spoilerguess/pkg/arc"
)

const testTTL = 30 * time.Minute

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store   session.Store
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) fixture {
	t.Helper()
	return map[string]func(t *testing.T) fixture{
		"memory": func(t *testing.T) fixture {
			clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
			return fixture{
				store:   session.NewMemStore(session.WithTTL(testTTL), session.WithClock(clk.Now)),
				advance: clk.Advance,
			}
		},
		"redis": func(t *testing.T) fixture {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return fixture{
				store:   session.NewRedisStore(rdb, session.WithTTL(testTTL)),
				advance: mr.FastForward,
			}
		},
	}
}

func TestStore(t *testing.T) {
	for name, newFixture := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get unknown", func(t *testing.T) {
				f := newFixture(t)
				if _, err := f.store.Get(context.Background(), "nope"); !errors.Is(err, session.ErrNotFound) {
					t.Errorf("err = %v, want ErrNotFound", err)
				}
			})

			t.Run("touch creates with defaults", func(t *testing.T) {
				f := newFixture(t)
				ctx := context.Background()
				p, err := f.store.Touch(ctx, "s1")
				if err != nil {
					t.Fatalf("Touch: %v", err)
				}
				if p.ID != "s1" || p.Horizon != arc.All || p.GameID != "" {
					t.Errorf("pointer = %+v", p)
				}
				got, err := f.store.Get(ctx, "s1")
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if got.ID != "s1" || got.CreatedAt.IsZero() {
					t.Errorf("stored pointer = %+v", got)
				}
			})

			t.Run("set game and horizon", func(t *testing.T) {
				f := newFixture(t)
				ctx := context.Background()
				if err := f.store.SetHorizon(ctx, "s1", "Skypiea"); err != nil {
					t.Fatalf("SetHorizon: %v", err)
				}
				if err := f.store.SetGame(ctx, "s1", "g1"); err != nil {
					t.Fatalf("SetGame: %v", err)
				}
				p, err := f.store.Get(ctx, "s1")
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if p.GameID != "g1" || p.Horizon != "Skypiea" {
					t.Errorf("pointer = %+v", p)
				}
			})

			t.Run("clear game only when current", func(t *testing.T) {
				f := newFixture(t)
				ctx := context.Background()
				_ = f.store.SetGame(ctx, "s1", "g2")

				if err := f.store.ClearGame(ctx, "s1", "g1"); err != nil {
					t.Fatalf("ClearGame stale: %v", err)
				}
				if p, _ := f.store.Get(ctx, "s1"); p.GameID != "g2" {
					t.Errorf("stale clear removed the newer game: %+v", p)
				}
				if err := f.store.ClearGame(ctx, "s1", "g2"); err != nil {
					t.Fatalf("ClearGame: %v", err)
				}
				if p, _ := f.store.Get(ctx, "s1"); p.GameID != "" {
					t.Errorf("GameID = %q, want empty", p.GameID)
				}
			})

			t.Run("expires after idle ttl", func(t *testing.T) {
				f := newFixture(t)
				ctx := context.Background()
				_ = f.store.SetGame(ctx, "s1", "g1")

				f.advance(testTTL - time.Minute)
				if _, err := f.store.Touch(ctx, "s1"); err != nil {
					t.Fatalf("Touch: %v", err)
				}
				f.advance(testTTL - time.Minute)
				if p, err := f.store.Get(ctx, "s1"); err != nil || p.GameID != "g1" {
					t.Fatalf("Get after touch = %+v, %v; want refreshed pointer", p, err)
				}
				f.advance(testTTL)
				if _, err := f.store.Get(ctx, "s1"); !errors.Is(err, session.ErrNotFound) {
					t.Errorf("err = %v, want ErrNotFound after expiry", err)
				}
			})
		})
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := session.NewRedisStore(rdb)
	mr.Close()

	if _, err := s.Touch(context.Background(), "s1"); !errors.Is(err, apperr.ErrServiceUnavailable) {
		t.Errorf("err = %v, want ServiceUnavailable", err)
	}
}

func newRouter(store session.Store, cfg session.CookieConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(session.Middleware(store, cfg))
	r.GET("/whoami", func(c *gin.Context) { c.String(http.StatusOK, session.ID(c)) })
	return r
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestMiddleware_IssuesCookie(t *testing.T) {
	store := session.NewMemStore()
	r := newRouter(store, session.CookieConfig{Secure: true, MaxAge: time.Hour})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	c := sessionCookie(t, rec)
	if err := uuid.Validate(c.Value); err != nil {
		t.Errorf("cookie value %q is not a uuid", c.Value)
	}
	if rec.Body.String() != c.Value {
		t.Errorf("handler saw %q, cookie is %q", rec.Body.String(), c.Value)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags = httponly:%v secure:%v samesite:%v", c.HttpOnly, c.Secure, c.SameSite)
	}
	if c.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", c.MaxAge)
	}
	if store.Len() != 1 {
		t.Errorf("store has %d pointers, want 1", store.Len())
	}
}

func TestMiddleware_ReusesValidCookie(t *testing.T) {
	store := session.NewMemStore()
	r := newRouter(store, session.CookieConfig{})
	id := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: id})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Body.String() != id {
		t.Errorf("session id = %q, want %q", rec.Body.String(), id)
	}
	if c := sessionCookie(t, rec); c.Secure {
		t.Error("cookie is Secure outside production")
	}
}

func TestMiddleware_ReplacesMalformedCookie(t *testing.T) {
	r := newRouter(session.NewMemStore(), session.CookieConfig{})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "../../etc/passwd"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Body.String(); got == "../../etc/passwd" || uuid.Validate(got) != nil {
		t.Errorf("session id = %q, want a fresh uuid", got)
	}
}
