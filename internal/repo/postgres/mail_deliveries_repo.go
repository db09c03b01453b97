package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrMailAlreadySent = errors.New("mail already sent")
	ErrMailInProgress  = errors.New("mail send in progress")
)

// MailDeliveriesRepo records one row per logical outbound email, keyed by
// (kind, dedupe_key). Retried jobs reuse the row, so a reset email for a
// given token goes out at most once even when a job runs twice.
type MailDeliveriesRepo struct {
	pool *pgxpool.Pool
}

func NewMailDeliveriesRepo(pool *pgxpool.Pool) *MailDeliveriesRepo {
	return &MailDeliveriesRepo{pool: pool}
}

func (r *MailDeliveriesRepo) TryStart(
	ctx context.Context,
	kind string,
	dedupeKey string,
	jobID string,
	recipient string,
) error {
	// 1) Insert if missing
	_, err := r.pool.Exec(ctx, `
		INSERT INTO mail_deliveries (kind, dedupe_key, job_id, recipient, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'sending', NOW(), NOW())
	`, kind, dedupeKey, jobID, recipient)

	if err == nil {
		return nil
	}
	if !IsUniqueViolation(err) {
		return err
	}

	// 2) Row exists. If it was failed, "claim" it for retry by switching back
	// to sending. Atomic: only one worker can flip failed -> sending.
	tag, uErr := r.pool.Exec(ctx, `
		UPDATE mail_deliveries
		SET status = 'sending',
		    job_id = $3,
		    recipient = $4,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE kind = $1 AND dedupe_key = $2 AND status = 'failed'
	`, kind, dedupeKey, jobID, recipient)

	if uErr != nil {
		return uErr
	}
	if tag.RowsAffected() == 1 {
		return nil // we successfully claimed the retry
	}

	// 3) Not failed. Determine whether it's already sent or currently sending.
	var status string
	var sentAt *time.Time

	qErr := r.pool.QueryRow(ctx, `
		SELECT status, sent_at
		FROM mail_deliveries
		WHERE kind = $1 AND dedupe_key = $2
	`, kind, dedupeKey).Scan(&status, &sentAt)

	if qErr != nil {
		if errors.Is(qErr, pgx.ErrNoRows) {
			// row disappeared; let caller retry
			return nil
		}
		return qErr
	}

	if sentAt != nil || status == "sent" {
		return ErrMailAlreadySent
	}

	// status == "sending"
	return ErrMailInProgress
}

func (r *MailDeliveriesRepo) MarkSent(
	ctx context.Context,
	kind string,
	dedupeKey string,
	providerMessageID *string,
) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE mail_deliveries
		SET status = 'sent',
		    sent_at = NOW(),
		    provider_message_id = $3,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE kind = $1 AND dedupe_key = $2
	`, kind, dedupeKey, providerMessageID)

	return err
}

func (r *MailDeliveriesRepo) MarkFailed(
	ctx context.Context,
	kind string,
	dedupeKey string,
	errMsg string,
) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE mail_deliveries
		SET status = 'failed',
		    last_error = $3,
		    updated_at = NOW()
		WHERE kind = $1 AND dedupe_key = $2
	`, kind, dedupeKey, errMsg)

	return err
}
