package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopd/authd/internal/domain/job"
	"github.com/shopd/authd/internal/mail"
	"github.com/shopd/authd/internal/observability"
)

type JobsRepository interface {
	ClaimNext(ctx context.Context, workerID string) (job.Job, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	Reschedule(ctx context.Context, id string, runAt time.Time, errMsg string) error
	RequeueStaleProcessing(ctx context.Context, lockTTL time.Duration) (int64, error)
}

type DeliveryLedger interface {
	TryStart(ctx context.Context, kind, dedupeKey, jobID, recipient string) error
	MarkSent(ctx context.Context, kind, dedupeKey string, providerMessageID *string) error
	MarkFailed(ctx context.Context, kind, dedupeKey, errMsg string) error
}

type Config struct {
	PollInterval time.Duration
	WorkerID     string
	LockTTL      time.Duration
	MailFrom     string
}

type Worker struct {
	cfg        Config
	repo       JobsRepository
	deliveries DeliveryLedger
	mailer     mail.Mailer
	prom       *observability.Prom
	log        *slog.Logger

	readyMu sync.RWMutex
	ready   bool
}

func New(cfg Config, repo JobsRepository, deliveries DeliveryLedger, mailer mail.Mailer, prom *observability.Prom, log *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 60 * time.Second
	}

	return &Worker{
		cfg:        cfg,
		repo:       repo,
		deliveries: deliveries,
		mailer:     mailer,
		prom:       prom,
		log:        log,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	w.setReady(true)
	defer w.setReady(false)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	// stale locks from crashed workers get requeued on a slower cadence
	requeue := time.NewTicker(w.cfg.LockTTL)
	defer requeue.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker received shutdown signal")
			return nil

		case <-requeue.C:
			n, err := w.repo.RequeueStaleProcessing(ctx, w.cfg.LockTTL)
			if err != nil {
				w.log.Error("stale requeue failed", "err", err)
			} else if n > 0 {
				w.log.Info("requeued stale mail jobs", "count", n)
			}

		case <-ticker.C:
			// drain everything that is ready before sleeping again
			for {
				processed, err := w.ProcessOne(ctx)

				if err != nil {
					w.log.Error("process error", "err", err)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

func (w *Worker) setReady(v bool) {
	w.readyMu.Lock()
	w.ready = v
	w.readyMu.Unlock()
}

func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)

	j, err := w.repo.ClaimNext(claimCtx, w.cfg.WorkerID)
	cancel()

	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return false, nil
		}

		return false, err
	}

	if w.prom != nil {
		w.prom.JobsInFlight.Inc()
		defer w.prom.JobsInFlight.Dec()
	}

	start := time.Now()
	err = w.execute(ctx, j)

	if err != nil {
		w.handleFailure(ctx, j, err)
		w.observeJob(j.Type, "retry", time.Since(start))
		return true, nil
	}

	err = w.repo.MarkDone(ctx, j.ID)

	if err != nil {
		_ = w.repo.MarkFailed(ctx, j.ID, "mark_done_failed: "+err.Error())
		w.observeJob(j.Type, "failed", time.Since(start))
		return true, err
	}

	w.observeJob(j.Type, "done", time.Since(start))
	return true, nil
}

func (w *Worker) handleFailure(ctx context.Context, j job.Job, execErr error) {
	// Attempts is the count before this run.
	if j.Attempts+1 >= j.MaxAttempts {
		if err := w.repo.MarkFailed(ctx, j.ID, execErr.Error()); err != nil {
			w.log.Error("mark failed error", "job_id", j.ID, "err", err)
		}
		w.log.Error("mail job dead", "job_id", j.ID, "type", j.Type, "err", execErr)
		return
	}

	runAt := time.Now().UTC().Add(ExponentialBackoff(j.Attempts))

	if err := w.repo.Reschedule(ctx, j.ID, runAt, execErr.Error()); err != nil {
		w.log.Error("reschedule error", "job_id", j.ID, "err", err)
	}
}

func (w *Worker) observeJob(jobType, result string, d time.Duration) {
	if w.prom == nil {
		return
	}
	w.prom.JobResults.WithLabelValues(jobType, result).Inc()
	w.prom.JobDuration.WithLabelValues(jobType, result).Observe(d.Seconds())
}
