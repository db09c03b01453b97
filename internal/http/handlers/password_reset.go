package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopd/authd/internal/config"
	"github.com/shopd/authd/internal/domain/job"
	"github.com/shopd/authd/internal/domain/user"
	"github.com/shopd/authd/internal/http/middlewares"
	"github.com/shopd/authd/internal/jobs"
	"github.com/shopd/authd/internal/repo/postgres"
	"github.com/shopd/authd/internal/security"
)

type ResetUserStore interface {
	GetByEmail(ctx context.Context, email string) (user.User, error)
	SetResetToken(ctx context.Context, id, digest string, expiresAt time.Time) error
	GetByResetToken(ctx context.Context, digest string) (user.User, error)
	ConsumeResetToken(ctx context.Context, userID, digest, newPasswordHash string) error
}

type PasswordResetHandler struct {
	users    ResetUserStore
	mailJobs JobEnqueuer
	cfg      config.Config
}

func NewPasswordResetHandler(users ResetUserStore, mailJobs JobEnqueuer, cfg config.Config) *PasswordResetHandler {
	return &PasswordResetHandler{
		users:    users,
		mailJobs: mailJobs,
		cfg:      cfg,
	}
}

type RequestResetRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type CompleteResetRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

// One message for every reset outcome so the endpoint never confirms
// whether an email has an account.
const resetRequestedMessage = "If that email has an account, a reset link has been sent."

const resetInvalidMessage = "Reset link is invalid or has expired."

// POST /password/reset
func (h *PasswordResetHandler) RequestReset(ctx *gin.Context) {
	var req RequestResetRequest

	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	u, err := h.users.GetByEmail(cctx, normalizeEmail(req.Email))

	if err != nil {
		// only a definitive miss gets the neutral answer; a store outage
		// must not masquerade as "link sent"
		if errors.Is(err, postgres.ErrUserNotFound) {
			ctx.JSON(http.StatusAccepted, gin.H{"message": resetRequestedMessage})
			return
		}

		slog.ErrorContext(ctx.Request.Context(), "reset_lookup_failed", "error", err.Error())
		RespondInternal(ctx, "Could not start password reset")
		return
	}

	raw, err := security.NewToken()

	if err != nil {
		RespondInternal(ctx, "Could not start password reset")
		return
	}

	digest := security.HashToken(raw)
	expiresAt := time.Now().UTC().Add(h.cfg.ResetTokenTTL)

	// overwrites any earlier token; only the newest link works
	err = h.users.SetResetToken(cctx, u.ID, digest, expiresAt)

	if err != nil {
		RespondInternal(ctx, "Could not start password reset")
		return
	}

	h.enqueueResetEmail(cctx, ctx, u, raw, digest)

	ctx.JSON(http.StatusAccepted, gin.H{"message": resetRequestedMessage})
}

// GET /password/new/:token
//
// The storefront loads this before showing the new-password form so a
// dead link fails fast instead of after the user typed a password.
func (h *PasswordResetHandler) GetReset(ctx *gin.Context) {
	raw := ctx.Param("token")

	if raw == "" {
		RespondNotFound(ctx, resetInvalidMessage)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	u, err := h.users.GetByResetToken(cctx, security.HashToken(raw))

	if err != nil {
		if errors.Is(err, postgres.ErrUserNotFound) {
			RespondNotFound(ctx, resetInvalidMessage)
			return
		}

		RespondInternal(ctx, "Could not check reset link")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"userId": u.ID,
		"token":  raw,
	})
}

// POST /password/new
func (h *PasswordResetHandler) CompleteReset(ctx *gin.Context) {
	var req CompleteResetRequest

	if !BindJSON(ctx, &req) {
		return
	}

	hash, err := security.HashPassword(req.Password)

	if err != nil {
		RespondInternal(ctx, "Could not update password")
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	// single conditional update; two racing submits means exactly one wins
	err = h.users.ConsumeResetToken(cctx, req.UserID, security.HashToken(req.Token), hash)

	if err != nil {
		if errors.Is(err, postgres.ErrUserNotFound) {
			RespondNotFound(ctx, resetInvalidMessage)
			return
		}

		RespondInternal(ctx, "Could not update password")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Password updated. You can now log in."})
}

// Delivery is best effort. The token is already persisted, so an admin
// can requeue a failed job and the same link still works.
func (h *PasswordResetHandler) enqueueResetEmail(ctx context.Context, gctx *gin.Context, u user.User, rawToken, digest string) {
	resetURL := h.cfg.BaseURL + "/password/new/" + rawToken

	reqID := ""
	if v, ok := gctx.Get(middlewares.CtxRequestID); ok {
		reqID, _ = v.(string)
	}

	payload, err := jobs.EncodePayload(jobs.JobSendPasswordResetEmail, jobs.PasswordResetEmailPayload{
		UserID:      u.ID,
		Email:       u.Email,
		ResetURL:    resetURL,
		DedupeKey:   digest,
		RequestedAt: time.Now().UTC(),
		RequestID:   reqID,
	})

	if err != nil {
		slog.WarnContext(gctx.Request.Context(), "reset_email_encode_failed", "error", err.Error())
		return
	}

	idemKey := "mail:reset:" + digest

	_, err = h.mailJobs.Create(ctx, job.CreateRequest{
		Type:           string(jobs.JobSendPasswordResetEmail),
		Payload:        payload,
		IdempotencyKey: &idemKey,
	})

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			// same token already queued a mail, e.g. a double-submitted form
			if existing, lookupErr := h.mailJobs.GetByIdempotencyKey(ctx, idemKey); lookupErr == nil {
				slog.DebugContext(gctx.Request.Context(), "reset_email_already_queued",
					"user_id", u.ID,
					"job_id", existing.ID,
					"job_status", string(existing.Status),
				)
			}
			return
		}

		slog.WarnContext(gctx.Request.Context(), "reset_email_enqueue_failed",
			"user_id", u.ID,
			"error", err.Error(),
		)
	}
}
