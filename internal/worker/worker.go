package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yonaka/researchd/internal/storage"
)

// JobStore abstracts the queue operations the worker needs.
type JobStore interface {
	ClaimNextJob() (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// JobHandler runs one research execution. A nil error means the job is done,
// even when the research itself ended in the failed state; the handler owns
// recording that outcome on the snapshot.
type JobHandler interface {
	Handle(ctx context.Context, researchID string) error
}

// Worker processes research_execute jobs from the SQLite job queue. Jobs are
// claimed and handled strictly one at a time, which serializes all snapshot
// mutations behind the lifecycle service's initial write.
type Worker struct {
	store   JobStore
	handler JobHandler
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, handler JobHandler, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		handler: handler,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single research_execute job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload storage.JobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.logger.Warn("dropping job with malformed payload", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, fmt.Sprintf("parsing payload: %v", err)); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.handler.Handle(ctx, payload.ResearchID); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "research_id", payload.ResearchID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}
