package importer

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"time"

	"product-importer/internal/config"
	"product-importer/internal/filestore"
	"product-importer/internal/models"
	"product-importer/internal/queue"
	"product-importer/internal/status"
	"product-importer/internal/telemetry"
)

// Runner is the worker loop: it leases import tasks off the queue, makes
// sure the raw file is local, and hands it to the orchestrator. One task is
// processed at a time per runner process; parallelism lives inside the
// orchestrator's chunk pool.
type Runner struct {
	cfg    config.Config
	queue  *queue.ImportQueue
	status *status.Store
	orch   *Orchestrator
}

// NewRunner wires a worker loop.
func NewRunner(cfg config.Config, q *queue.ImportQueue, st *status.Store, orch *Orchestrator) *Runner {
	return &Runner{cfg: cfg, queue: q, status: st, orch: orch}
}

// Run polls the queue until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired import leases", len(reclaimed))
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		task, ok, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			log.Printf("dequeue import task: %v", err)
			sleepCtx(ctx, r.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			sleepCtx(ctx, r.cfg.WorkerPollInterval)
			continue
		}

		r.handle(ctx, task)
		if err := r.queue.Ack(ctx, task.JobID); err != nil {
			log.Printf("ack job %s: %v", task.JobID, err)
		}
	}
}

// handle runs one import task under its lease, with a lease keeper, the
// hard wall-clock ceiling, and setup-phase retry.
func (r *Runner) handle(ctx context.Context, task models.ImportTask) {
	log.Printf("leased import job %s", task.JobID)

	keeperDone := make(chan struct{})
	defer close(keeperDone)
	go r.keepLease(ctx, task.JobID, keeperDone)

	path := task.FilePath
	if path == "" {
		var err error
		path, err = r.download(ctx, task)
		if err != nil {
			log.Printf("job %s: download failed: %v", task.JobID, err)
			r.failSetup(ctx, task.JobID, "Failed to download uploaded file")
			return
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.ImportTimeLimit)
	defer cancel()
	if r.cfg.ImportSoftTimeLimit > 0 && r.cfg.ImportSoftTimeLimit < r.cfg.ImportTimeLimit {
		softTimer := time.AfterFunc(r.cfg.ImportSoftTimeLimit, func() {
			log.Printf("job %s exceeded soft time limit of %s, hard limit at %s",
				task.JobID, r.cfg.ImportSoftTimeLimit, r.cfg.ImportTimeLimit)
		})
		defer softTimer.Stop()
	}

	for attempt := 1; ; attempt++ {
		err := r.orch.Run(runCtx, task.JobID, path)
		if err == nil {
			return
		}
		// Only pre-dispatch setup failures come back as errors; they are
		// retryable because no chunk work has happened yet.
		if !errors.Is(err, ErrSetup) || attempt >= r.cfg.MaxAttempts {
			log.Printf("job %s: giving up after %d attempts: %v", task.JobID, attempt, err)
			r.failSetup(ctx, task.JobID, "Import could not be started")
			return
		}
		wait := backoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, attempt)
		log.Printf("job %s: setup failed (attempt %d/%d), retrying in %s: %v",
			task.JobID, attempt, r.cfg.MaxAttempts, wait, err)
		if !sleepCtx(runCtx, wait) {
			return
		}
	}
}

// download fetches a remotely uploaded file to a local temp path.
func (r *Runner) download(ctx context.Context, task models.ImportTask) (string, error) {
	_ = r.status.Set(ctx, task.JobID, models.JobStatus{
		Status:   models.StatusProcessing,
		Message:  "Task started, downloading file...",
		Progress: 0,
	})
	dlCtx, cancel := context.WithTimeout(ctx, r.cfg.DownloadTimeout)
	defer cancel()
	return filestore.Download(dlCtx, task.FileURL, r.cfg.UploadDir, r.cfg.UploadMaxBytes)
}

func (r *Runner) failSetup(ctx context.Context, jobID, message string) {
	telemetry.ImportsFailed.Inc()
	if err := r.status.Set(context.WithoutCancel(ctx), jobID, models.JobStatus{
		Status:  models.StatusFailed,
		Message: message,
	}); err != nil {
		log.Printf("write failed status for job %s: %v", jobID, err)
	}
}

// keepLease extends the queue lease at half the visibility interval so a
// long import is not reclaimed by another worker.
func (r *Runner) keepLease(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := r.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.ExtendLease(ctx, jobID, r.cfg.VisibilityTimeout); err != nil {
				log.Printf("extend lease for job %s: %v", jobID, err)
			}
		}
	}
}

// sleepCtx sleeps unless the context ends first; reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
