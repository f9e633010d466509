package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/listing-pipeline/internal/queue"
	"github.com/google/uuid"
)

// startMessageDispatcher decodes deliveries and hands them to the worker pool.
// It returns when ctx is canceled or the delivery stream closes.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan queue.Delivery) {
	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			msg, err := queue.DecodeJobMessage(delivery.Body())
			if err != nil {
				w.logger.Error("Failed to parse message JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body())),
				)
				w.nack(delivery, msg.JobID, false)
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				w.logger.Error("Invalid job_id format - not a UUID",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				w.nack(delivery, msg.JobID, false)
				continue
			}

			select {
			case w.jobsChan <- &envelope{msg: msg, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				w.nack(delivery, msg.JobID, true)
				return
			}
		}
	}
}

func (w *Worker) nack(delivery queue.Delivery, jobID string, requeue bool) {
	if err := delivery.Nack(requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("job_id", jobID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
