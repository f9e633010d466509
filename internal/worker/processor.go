package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/idempotency"
)

var errJobFailed = errors.New("job failed permanently")

// attemptError carries the number of the failed attempt so the delivery can be
// redelivered after a matching backoff
type attemptError struct {
	attempt int
	err     error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// processJob runs one claimed job and records its outcome. The returned error
// decides how the delivery is settled.
func (w *Worker) processJob(ctx context.Context, msg domain.JobMessage) error {
	job, err := w.store.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) || errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Job not claimable, skipping",
				slog.String("job_id", msg.JobID),
				slog.String("reason", err.Error()),
			)
			return err
		}
		w.logger.Error("Failed to claim job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return domain.NewUpstreamError(fmt.Errorf("failed to claim job: %w", err))
	}

	w.logger.Info("Job claimed",
		slog.String("job_id", job.ID),
		slog.String("submitter_id", job.SubmitterID),
		slog.Int("retry_count", job.RetryCount),
	)

	if w.metrics != nil {
		w.metrics.JobStarted()
	}
	started := w.now()

	result, execErr := w.executeJob(ctx, job)
	if execErr == nil {
		execErr = w.complete(ctx, job, result)
		if execErr == nil {
			w.finish(OutcomeDone, started)
			return nil
		}
		// Completion write failed after the debit. The job stays processing and
		// the recovery sweep re-runs it; the ledger replays the debit as a no-op.
		w.finish(OutcomeRequeued, started)
		return execErr
	}

	return w.handleFailure(ctx, job, execErr, started)
}

// executeJob holds credit, runs the analysis and charges the held credit
func (w *Worker) executeJob(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	if job.Type != domain.JobTypeAnalysis {
		return nil, fmt.Errorf("%w: unsupported job type %q", domain.ErrInvalidPayload, job.Type)
	}
	if job.Payload.ImageURL == "" {
		return nil, fmt.Errorf("%w: image_url is required", domain.ErrInvalidPayload)
	}
	if !idempotency.Valid(job.UniqueKey) {
		return nil, fmt.Errorf("%w: malformed unique_key %q", domain.ErrInvalidPayload, job.UniqueKey)
	}

	if _, err := w.ledger.Reserve(ctx, job.SubmitterID, job.UniqueKey, w.creditsPerJob); err != nil {
		return nil, fmt.Errorf("failed to reserve credit: %w", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	result, err := w.analyzer.Analyze(jobCtx, job.Payload)
	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewUpstreamError(fmt.Errorf("analysis timed out after %s: %w", w.jobTimeout, err))
		}
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	if _, err := w.ledger.Debit(ctx, job.SubmitterID, job.UniqueKey, w.creditsPerJob); err != nil {
		return nil, fmt.Errorf("failed to debit credit: %w", err)
	}

	return result, nil
}

func (w *Worker) complete(ctx context.Context, job *domain.Job, result json.RawMessage) error {
	if err := w.store.CompleteJob(ctx, job.ID, result); err != nil {
		w.logger.Error("Failed to mark job done",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return domain.NewUpstreamError(fmt.Errorf("failed to complete job: %w", err))
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("submitter_id", job.SubmitterID),
	)
	return nil
}

// handleFailure counts the attempt and re-queues the job while retries remain.
// A job that ends in error gives back its held credit.
func (w *Worker) handleFailure(ctx context.Context, job *domain.Job, execErr error, started time.Time) error {
	fatal := isFatal(execErr)
	requeue := !fatal && job.RetryCount < job.MaxRetries

	w.logger.Error("Job execution failed",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
		slog.Bool("fatal", fatal),
		slog.Bool("requeue", requeue),
		slog.String("error", execErr.Error()),
	)

	if _, err := w.store.FailJob(ctx, job.ID, domain.JobFailure{
		Message: execErr.Error(),
		Requeue: requeue,
	}); err != nil {
		w.logger.Error("Failed to record job failure",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		w.finish(OutcomeRequeued, started)
		return domain.NewUpstreamError(fmt.Errorf("failed to record job failure: %w", err))
	}

	if requeue {
		w.finish(OutcomeRequeued, started)
		return &attemptError{
			attempt: job.RetryCount + 1,
			err:     domain.NewUpstreamError(fmt.Errorf("job execution failed: %w", execErr)),
		}
	}

	w.release(ctx, job)
	w.finish(OutcomeError, started)

	if fatal {
		return fmt.Errorf("%w: %v", errJobFailed, execErr)
	}
	return fmt.Errorf("%w: %v", domain.ErrMaxRetriesExceeded, execErr)
}

func (w *Worker) release(ctx context.Context, job *domain.Job) {
	if _, err := w.ledger.Release(ctx, job.SubmitterID, job.UniqueKey); err != nil {
		w.logger.Warn("Failed to release held credit",
			slog.String("job_id", job.ID),
			slog.String("submitter_id", job.SubmitterID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) finish(outcome string, started time.Time) {
	if w.metrics != nil {
		w.metrics.JobFinished(outcome, w.now().Sub(started))
	}
}

// isFatal reports failures that no retry can fix
func isFatal(err error) bool {
	return errors.Is(err, domain.ErrInsufficientCredit) ||
		errors.Is(err, domain.ErrAccountNotFound) ||
		errors.Is(err, domain.ErrInvalidPayload) ||
		errors.Is(err, domain.ErrRejected)
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
