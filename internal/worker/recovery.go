package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

// recoveryLoop runs a sweep at start-up and then every recoveryInterval
func (w *Worker) recoveryLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.recoveryInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RecoverOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Recovery sweep failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
		}
	}
}

// SweepResult summarises one recovery sweep
type SweepResult struct {
	Requeued     int
	Failed       int
	Redispatched int
}

// RecoverOnce returns processing jobs with a lost heartbeat to the queue (or to
// error once their retries are spent) and re-publishes queued jobs whose
// dispatch message may have been lost.
func (w *Worker) RecoverOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := w.now().Add(-w.staleAfter)

	recovered, err := w.store.RecoverStaleJobs(ctx, cutoff)
	if err != nil {
		return res, err
	}

	published := make(map[string]struct{}, len(recovered))
	for i := range recovered {
		job := &recovered[i]
		switch job.Status {
		case domain.JobStatusQueued:
			res.Requeued++
			w.publish(ctx, job.ID)
			published[job.ID] = struct{}{}
		case domain.JobStatusError:
			res.Failed++
			w.release(ctx, job)
		}
	}

	ids, err := w.store.RedispatchQueued(ctx, cutoff, w.redispatchLimit)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if _, ok := published[id]; ok {
			continue
		}
		w.publish(ctx, id)
		res.Redispatched++
	}

	if w.metrics != nil {
		w.metrics.RecordRecovered(res.Requeued + res.Failed + res.Redispatched)
	}

	if res.Requeued+res.Failed+res.Redispatched > 0 {
		w.logger.Info("Recovery sweep finished",
			slog.Int("requeued", res.Requeued),
			slog.Int("failed", res.Failed),
			slog.Int("redispatched", res.Redispatched),
		)
	}

	return res, nil
}

func (w *Worker) publish(ctx context.Context, jobID string) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishJob(ctx, jobID); err != nil {
		w.logger.Warn("Failed to re-publish job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
