package middlewares

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopd/authd/internal/domain/user"
	"github.com/shopd/authd/internal/repo/postgres"
	"github.com/shopd/authd/internal/session"
)

const SessionCookieName = "sid"

// Small interfaces so tests can fake both sides.
type SessionResolver interface {
	Get(ctx context.Context, id string) (session.Session, error)
	Destroy(ctx context.Context, id string) error
}

type UserLoader interface {
	GetByID(ctx context.Context, id string) (user.User, error)
}

type SessionMiddleware struct {
	sessions SessionResolver
	users    UserLoader
}

func NewSessionMiddleware(sessions SessionResolver, users UserLoader) *SessionMiddleware {
	return &SessionMiddleware{sessions: sessions, users: users}
}

// Load resolves the sid cookie into a current user. The user row is
// re-fetched on every request rather than trusting anything stored in the
// session, so role or password changes apply immediately. A definitive
// miss (expired session, deleted user) leaves the request anonymous;
// a store outage must not, or a valid session would quietly turn into a
// 401 while Redis is down.
func (m *SessionMiddleware) Load() gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := c.Cookie(SessionCookieName)

		if err != nil || sid == "" {
			c.Next()
			return
		}

		cctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		sess, err := m.sessions.Get(cctx, sid)

		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.Next()
				return
			}

			slog.ErrorContext(c.Request.Context(), "session_lookup_failed", "error", err.Error())
			abortInternal(c, "Could not resolve session")
			return
		}

		u, err := m.users.GetByID(cctx, sess.UserID)

		if err != nil {
			if errors.Is(err, postgres.ErrUserNotFound) {
				// user deleted since login; the session is dead weight
				_ = m.sessions.Destroy(cctx, sid)
				c.Next()
				return
			}

			slog.ErrorContext(c.Request.Context(), "session_user_lookup_failed",
				"user_id", sess.UserID,
				"error", err.Error(),
			)
			abortInternal(c, "Could not resolve session")
			return
		}

		c.Set(ctxUserKey, u)
		c.Set(ctxSessionKey, sess)

		c.Next()
	}
}

func abortInternal(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    "internal_error",
			"message": message,
		},
	})
}

// RequireAuth aborts anonymous requests. Must run after Load.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, ok := CurrentUser(c)

		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "You need to be logged in",
				},
			})
			return
		}
		c.Next()
	}
}

// Helpers so handlers don't need to know the magic keys.

func CurrentUser(c *gin.Context) (user.User, bool) {
	v, ok := c.Get(ctxUserKey)
	if !ok {
		return user.User{}, false
	}
	u, ok := v.(user.User)
	return u, ok
}

func CurrentSession(c *gin.Context) (session.Session, bool) {
	v, ok := c.Get(ctxSessionKey)
	if !ok {
		return session.Session{}, false
	}
	s, ok := v.(session.Session)
	return s, ok
}
