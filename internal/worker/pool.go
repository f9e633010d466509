package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine. A job that
// has been received is processed to completion even if ctx is canceled meanwhile.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))

	for {
		select {
		case <-w.stopChan:
			logger.Debug("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping - context canceled")
			return

		case env := <-w.jobsChan:
			err := w.processJob(context.WithoutCancel(ctx), env.msg)
			w.settle(ctx, logger, env, err)
		}
	}
}

// settle acknowledges the delivery according to the processing result. A
// requeued delivery goes back to the queue only after its backoff.
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, env *envelope, err error) {
	jobID := env.msg.JobID

	if err == nil {
		if ackErr := env.delivery.Ack(); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.String("job_id", jobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	if !requeue {
		logger.Warn("Job processing did not complete",
			slog.String("job_id", jobID),
			slog.Bool("requeue", false),
			slog.String("error", err.Error()),
		)
		w.nack(env.delivery, jobID, false)
		return
	}

	delay := w.retryBackoff(err)
	logger.Warn("Job processing did not complete",
		slog.String("job_id", jobID),
		slog.Bool("requeue", true),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()),
	)

	w.wg.Add(1)
	go w.requeueAfter(ctx, env, delay)
}

// requeueAfter returns the delivery to the queue once delay has passed, or at
// once when the worker is stopping
func (w *Worker) requeueAfter(ctx context.Context, env *envelope, delay time.Duration) {
	defer w.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.stopChan:
	case <-ctx.Done():
	}
	w.nack(env.delivery, env.msg.JobID, true)
}

// retryBackoff doubles retryDelay for every attempt after the first, capped at maxRetryDelay
func (w *Worker) retryBackoff(err error) time.Duration {
	attempt := 1
	var ae *attemptError
	if errors.As(err, &ae) && ae.attempt > 1 {
		attempt = ae.attempt
	}

	delay := w.retryDelay
	for i := 1; i < attempt && delay < w.maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, w.maxRetryDelay)
}

// shouldRequeueJob reports whether the message should be delivered again.
// Only transient failures are requeued; the job row already records whether a
// retry is due.
func shouldRequeueJob(err error) bool {
	switch {
	case errors.Is(err, domain.ErrJobAlreadyClaimed),
		errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrMaxRetriesExceeded),
		errors.Is(err, errJobFailed),
		errors.Is(err, domain.ErrInvalidPayload):
		return false
	}
	return domain.IsUpstream(err)
}
