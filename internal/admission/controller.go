// Package admission turns parsed submission rows into queued jobs under an
// admission cap, with per-submitter deduplication by idempotency key.
package admission

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/idempotency"
	"github.com/cuongbtq/listing-pipeline/internal/ingest"
	"github.com/google/uuid"
)

// RowSource is a restartable sequence of candidate rows plus the number of rows seen
type RowSource interface {
	Rows() iter.Seq[ingest.CandidateRow]
	Len() int
}

// Store persists an admission as one atomic unit
type Store interface {
	// AdmitJobs inserts jobs, silently skipping any whose (submitter_id, unique_key)
	// already exists, and records the batch stats. It returns the jobs actually inserted.
	AdmitJobs(ctx context.Context, batchID string, jobs []domain.Job, total int) ([]domain.Job, domain.BatchStats, error)
}

// Publisher hands persisted job ids to the worker pool
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Recorder receives admission metrics
type Recorder interface {
	RecordAdmission(stats domain.BatchStats)
	RecordPublishFailure()
}

// Config holds controller dependencies
type Config struct {
	Logger     *slog.Logger
	Store      Store
	Publisher  Publisher
	Metrics    Recorder
	MaxRetries int
}

// Controller admits batches
type Controller struct {
	logger     *slog.Logger
	store      Store
	publisher  Publisher
	metrics    Recorder
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// Result is the outcome of one admission
type Result struct {
	BatchID string
	Jobs    []domain.Job
	Stats   domain.BatchStats
}

// NewController creates a new Controller
func NewController(cfg *Config) *Controller {
	return &Controller{
		logger:     cfg.Logger,
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// Cap is the number of jobs one submission may create. A positive override wins;
// otherwise it is the execution concurrency times a fixed multiplier.
func Cap(concurrency, multiplier, override int) int {
	if override > 0 {
		return override
	}
	return concurrency * multiplier
}

// Admit builds a queued job for each row of src in order, keeps the first
// jobCap of them and persists those with ignore-duplicate semantics.
func (c *Controller) Admit(ctx context.Context, batchID, submitterID string, src RowSource, jobCap int) (*Result, error) {
	batchID = strings.TrimSpace(batchID)
	submitterID = strings.TrimSpace(submitterID)

	if batchID == "" {
		return nil, domain.NewValidationError("batch_id", "is required")
	}
	if submitterID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	if jobCap <= 0 {
		return nil, domain.NewValidationError("cap", "must be greater than 0")
	}

	jobs := c.buildJobs(submitterID, batchID, src, jobCap)
	if len(jobs) == 0 {
		c.logger.Warn("Batch has no admissible rows",
			slog.String("batch_id", batchID),
			slog.String("submitter_id", submitterID),
		)
		return nil, domain.ErrNoValidRows
	}

	total := src.Len()

	inserted, stats, err := c.store.AdmitJobs(ctx, batchID, jobs, total)
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to persist admission: %w", err)
	}

	c.logger.Info("Batch admitted",
		slog.String("batch_id", batchID),
		slog.String("submitter_id", submitterID),
		slog.Int("total", stats.Total),
		slog.Int("queued", stats.Queued),
		slog.Int("skipped", stats.Skipped),
		slog.Int("cap", jobCap),
	)

	if c.metrics != nil {
		c.metrics.RecordAdmission(stats)
	}

	c.publish(ctx, inserted)

	return &Result{
		BatchID: batchID,
		Jobs:    inserted,
		Stats:   stats,
	}, nil
}

func (c *Controller) buildJobs(submitterID, batchID string, src RowSource, jobCap int) []domain.Job {
	jobs := make([]domain.Job, 0, min(jobCap, 64))
	now := c.now().UTC()

	for row := range src.Rows() {
		if len(jobs) == jobCap {
			break
		}
		jobs = append(jobs, c.newJob(submitterID, batchID, row, now))
	}

	return jobs
}

func (c *Controller) newJob(submitterID, batchID string, row ingest.CandidateRow, now time.Time) domain.Job {
	key := idempotency.ForRow(submitterID, row.ImageURL, row.Title, row.Description)

	channel := row.Channel
	if channel == "" {
		channel = domain.DefaultChannel
	}
	lang := row.Lang
	if lang == "" {
		lang = domain.DefaultLang
	}

	return domain.Job{
		ID:          c.newID(),
		Type:        domain.JobTypeAnalysis,
		BatchID:     batchID,
		SubmitterID: submitterID,
		UniqueKey:   key,
		Payload: domain.JobPayload{
			SubmitterID: submitterID,
			ImageURL:    row.ImageURL,
			Title:       row.Title,
			Description: row.Description,
			Channel:     channel,
			Lang:        lang,
			UniqueKey:   key,
		},
		Status:     domain.JobStatusQueued,
		RetryCount: 0,
		MaxRetries: c.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// publish is best effort: jobs are durable in queued state and the worker's
// recovery sweep re-publishes anything that was not delivered.
func (c *Controller) publish(ctx context.Context, jobs []domain.Job) {
	if c.publisher == nil {
		return
	}

	for _, job := range jobs {
		if err := c.publisher.PublishJob(ctx, job.ID); err != nil {
			c.logger.Error("Failed to publish job, leaving it for recovery sweep",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			if c.metrics != nil {
				c.metrics.RecordPublishFailure()
			}
		}
	}
}
