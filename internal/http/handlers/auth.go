package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopd/authd/internal/cache"
	"github.com/shopd/authd/internal/config"
	"github.com/shopd/authd/internal/domain/job"
	"github.com/shopd/authd/internal/domain/user"
	"github.com/shopd/authd/internal/http/middlewares"
	"github.com/shopd/authd/internal/jobs"
	"github.com/shopd/authd/internal/observability"
	"github.com/shopd/authd/internal/repo/postgres"
	"github.com/shopd/authd/internal/security"
	"github.com/shopd/authd/internal/session"
)

type UserReader interface {
	GetByEmail(ctx context.Context, email string) (user.User, error)
}

type UserWriter interface {
	Create(ctx context.Context, email, passwordHash, name, role string) (user.User, error)
}

type SessionStore interface {
	Create(ctx context.Context, userID string) (session.Session, error)
	Destroy(ctx context.Context, id string) error
	TTL() time.Duration
}

type JobEnqueuer interface {
	Create(ctx context.Context, req job.CreateRequest) (job.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (job.Job, error)
}

// After this many consecutive failures for one email the login endpoint
// starts answering 429 until the throttle window lapses.
const maxFailedLogins = 10

type AuthHandler struct {
	users      UserReader
	userWriter UserWriter
	sessions   SessionStore
	mailJobs   JobEnqueuer
	throttle   *cache.Cache
	prom       *observability.Prom
	cfg        config.Config
}

func NewAuthHandler(users UserReader, userWriter UserWriter, sessions SessionStore, mailJobs JobEnqueuer, throttle *cache.Cache, prom *observability.Prom, cfg config.Config) *AuthHandler {
	return &AuthHandler{
		users:      users,
		userWriter: userWriter,
		sessions:   sessions,
		mailJobs:   mailJobs,
		throttle:   throttle,
		prom:       prom,
		cfg:        cfg,
	}
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}
type SignUpRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Name     string `json:"name" binding:"required"`
}

func (h *AuthHandler) SignUp(ctx *gin.Context) {
	var req SignUpRequest

	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)

	defer cancel()

	hash, err := security.HashPassword(req.Password)

	if err != nil {
		RespondInternal(ctx, "Could not create user")
		return
	}

	// default role for new users

	role := "user"

	u, err := h.userWriter.Create(cctx, normalizeEmail(req.Email), hash, req.Name, role)

	if err != nil {
		if errors.Is(err, postgres.ErrEmailTaken) {
			RespondConflict(ctx, "email_taken", "Email is already in use.")
			return
		}

		RespondInternal(ctx, "Could not create user")
		return
	}

	h.enqueueWelcomeEmail(cctx, ctx, u)

	sess, err := h.sessions.Create(cctx, u.ID)

	if err != nil {
		RespondInternal(ctx, "Could not create session")
		return
	}

	if h.prom != nil {
		h.prom.SessionsCreated.Inc()
	}

	h.setSessionCookie(ctx, sess.ID)

	ctx.JSON(http.StatusCreated, gin.H{
		"user":      u,
		"csrfToken": sess.CSRFToken,
	})
}

func (h *AuthHandler) Login(ctx *gin.Context) {
	var req LoginRequest

	if !BindJSON(ctx, &req) {
		return
	}

	email := normalizeEmail(req.Email)
	throttleKey := "login:" + email

	if h.failedLogins(throttleKey) >= maxFailedLogins {
		RespondTooMany(ctx, "Too many failed login attempts. Please try again later.")
		return
	}

	// short timeout for DB lookup
	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	foundUser, err := h.users.GetByEmail(cctx, email)
	if err != nil {
		// burn a comparison so unknown emails cost the same as bad passwords
		_ = security.CheckPassword(dummyPasswordHash, req.Password)
		h.recordFailedLogin(throttleKey)
		RespondUnAuthorized(ctx, "invalid_credentials", "Email or password is incorrect.")
		return
	}

	err = security.CheckPassword(foundUser.PasswordHash, req.Password)

	if err != nil {
		h.recordFailedLogin(throttleKey)
		RespondUnAuthorized(ctx, "invalid_credentials", "Email or password is incorrect.")
		return
	}

	h.clearFailedLogins(throttleKey)

	// the session row must exist before the client ever sees the cookie
	sess, err := h.sessions.Create(cctx, foundUser.ID)

	if err != nil {
		RespondInternal(ctx, "Could not create session")
		return
	}

	if h.prom != nil {
		h.prom.SessionsCreated.Inc()
	}

	h.setSessionCookie(ctx, sess.ID)

	ctx.JSON(http.StatusOK, gin.H{
		"user":      foundUser,
		"csrfToken": sess.CSRFToken,
	})
}

// Logout destroys the server-side session; the cookie alone is worthless
// afterwards no matter how long the browser keeps it.
func (h *AuthHandler) Logout(ctx *gin.Context) {
	sess, ok := middlewares.CurrentSession(ctx)

	if ok {
		cctx, cancel := config.WithTimeout(2 * time.Second)
		defer cancel()

		err := h.sessions.Destroy(cctx, sess.ID)

		if err != nil {
			RespondInternal(ctx, "Could not end session")
			return
		}

		if h.prom != nil {
			h.prom.SessionsDestroyed.Inc()
		}
	}

	h.clearSessionCookie(ctx)
	ctx.Status(http.StatusNoContent)
}

func (h *AuthHandler) Me(ctx *gin.Context) {
	u, ok := middlewares.CurrentUser(ctx)

	if !ok {
		RespondUnAuthorized(ctx, "unauthorized", "You need to be logged in")
		return
	}

	resp := gin.H{"user": u}

	if sess, ok := middlewares.CurrentSession(ctx); ok {
		resp["csrfToken"] = sess.CSRFToken
	}

	ctx.JSON(http.StatusOK, resp)
}

// Helper functions

// bcrypt hash of an unguessable throwaway value, only ever used to even
// out timing on the unknown-email path.
const dummyPasswordHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (h *AuthHandler) failedLogins(key string) int {
	if h.throttle == nil {
		return 0
	}

	v, ok := h.throttle.Get(key)
	if !ok {
		return 0
	}

	n, _ := v.(int)
	return n
}

func (h *AuthHandler) recordFailedLogin(key string) {
	if h.throttle == nil {
		return
	}

	h.throttle.Set(key, h.failedLogins(key)+1)
}

func (h *AuthHandler) clearFailedLogins(key string) {
	if h.throttle == nil {
		return
	}

	h.throttle.Delete(key)
}

// Welcome email is best effort: a signup never fails because the mail
// queue is unavailable.
func (h *AuthHandler) enqueueWelcomeEmail(ctx context.Context, gctx *gin.Context, u user.User) {
	payload, err := jobs.EncodePayload(jobs.JobSendWelcomeEmail, jobs.WelcomeEmailPayload{
		UserID: u.ID,
		Email:  u.Email,
		Name:   u.Name,
	})

	if err != nil {
		return
	}

	idemKey := "mail:welcome:" + u.ID

	_, err = h.mailJobs.Create(ctx, job.CreateRequest{
		Type:           string(jobs.JobSendWelcomeEmail),
		Payload:        payload,
		IdempotencyKey: &idemKey,
	})

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			// an earlier attempt already queued this greeting; resolve it so
			// the log carries the job actually doing the work
			if existing, lookupErr := h.mailJobs.GetByIdempotencyKey(ctx, idemKey); lookupErr == nil {
				slog.DebugContext(gctx.Request.Context(), "welcome_email_already_queued",
					"user_id", u.ID,
					"job_id", existing.ID,
					"job_status", string(existing.Status),
				)
			}
			return
		}

		slog.WarnContext(gctx.Request.Context(), "welcome_email_enqueue_failed",
			"user_id", u.ID,
			"error", err.Error(),
		)
	}
}

func (h *AuthHandler) setSessionCookie(ctx *gin.Context, sid string) {
	secure := h.cfg.Env == "prod"

	maxAge := int(h.sessions.TTL().Seconds())

	ctx.SetSameSite(http.SameSiteStrictMode)

	ctx.SetCookie(
		middlewares.SessionCookieName,
		sid,
		maxAge,
		"/",
		"",
		secure,
		true, // HttpOnly.
	)
}

func (h *AuthHandler) clearSessionCookie(ctx *gin.Context) {
	secure := h.cfg.Env == "prod"
	ctx.SetSameSite(http.SameSiteStrictMode)
	ctx.SetCookie(
		middlewares.SessionCookieName,
		"",

		-1,
		"/",
		"",
		secure,
		true,
	)
}
