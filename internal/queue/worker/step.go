package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopd/authd/internal/domain/job"
	"github.com/shopd/authd/internal/jobs"
	"github.com/shopd/authd/internal/mail"
	"github.com/shopd/authd/internal/repo/postgres"
)

const (
	kindPasswordReset = "password.reset"
	kindWelcome       = "signup.welcome"
)

// execute sends the email for one claimed job. The delivery ledger makes
// the send idempotent per logical email: a retried job whose previous run
// already got the mail out completes without sending again.
func (w *Worker) execute(ctx context.Context, j job.Job) error {
	t := jobs.JobType(j.Type)

	payload, err := jobs.DecodePayload(t, j.Payload)

	if err != nil {
		// undecodable payloads never become sendable; fail fast
		return fmt.Errorf("decode payload: %w", err)
	}

	var (
		kind      string
		dedupeKey string
		msg       mail.Message
	)

	switch p := payload.(type) {
	case jobs.PasswordResetEmailPayload:
		kind = kindPasswordReset
		dedupeKey = p.DedupeKey
		msg = mail.PasswordResetMessage(p.Email, w.cfg.MailFrom, p.ResetURL)

	case jobs.WelcomeEmailPayload:
		kind = kindWelcome
		dedupeKey = p.UserID
		msg = mail.WelcomeMessage(p.Email, w.cfg.MailFrom)

	default:
		return jobs.ErrInvalidJobType
	}

	err = w.deliveries.TryStart(ctx, kind, dedupeKey, j.ID, msg.To)

	if err != nil {
		if errors.Is(err, postgres.ErrMailAlreadySent) {
			// a previous attempt got this one out the door
			return nil
		}
		// ErrMailInProgress means another worker holds the send; retryable
		return err
	}

	providerID, sendErr := w.mailer.Send(ctx, msg)

	if sendErr != nil {
		if markErr := w.deliveries.MarkFailed(ctx, kind, dedupeKey, sendErr.Error()); markErr != nil {
			w.log.Error("mark delivery failed error", "job_id", j.ID, "err", markErr)
		}
		return sendErr
	}

	return w.deliveries.MarkSent(ctx, kind, dedupeKey, providerID)
}
