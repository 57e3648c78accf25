package session

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CookieName is the session cookie.
const CookieName = "sg_session"

// ctxKey is the gin context key holding the session id.
const ctxKey = "spoilerguess.session_id"

// CookieConfig controls the session cookie.
type CookieConfig struct {
	// MaxAge is the cookie lifetime. Zero uses DefaultTTL.
	MaxAge time.Duration
	// Secure restricts the cookie to HTTPS. Set it in production.
	Secure bool
}

// Middleware resolves the browser's session id from the cookie, issuing a new
// one when it is missing or malformed, and touches the pointer in store.
// A failing store is logged and does not stop the request.
func Middleware(store Store, cfg CookieConfig) gin.HandlerFunc {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultTTL
	}
	return func(c *gin.Context) {
		id, err := c.Cookie(CookieName)
		if err != nil || uuid.Validate(id) != nil {
			id = uuid.NewString()
		}
		// Reissued on every request so the cookie slides with the pointer TTL.
		c.SetSameSite(http.SameSiteStrictMode)
		c.SetCookie(CookieName, id, int(maxAge.Seconds()), "/", "", cfg.Secure, true)
		c.Set(ctxKey, id)

		if _, err := store.Touch(c.Request.Context(), id); err != nil {
			slog.Warn("session touch failed", "session_id", id, "err", err)
		}
		c.Next()
	}
}

// ID returns the session id resolved by Middleware, or "" outside it.
func ID(c *gin.Context) string {
	return c.GetString(ctxKey)
}
