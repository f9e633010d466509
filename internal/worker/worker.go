// Package worker executes queued jobs: it claims a job, holds credit for it,
// calls the analysis collaborator and settles the ledger before recording the
// terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/queue"
)

// Store is the job persistence used by the pool
type Store interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error
	FailJob(ctx context.Context, jobID string, failure domain.JobFailure) (*domain.Job, error)
	RecoverStaleJobs(ctx context.Context, staleBefore time.Time) ([]domain.Job, error)
	RedispatchQueued(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Analyzer produces the structured result of a job
type Analyzer interface {
	Analyze(ctx context.Context, payload domain.JobPayload) (json.RawMessage, error)
}

// Ledger is the credit operations a job performs under its unique key
type Ledger interface {
	Reserve(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error)
	Debit(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error)
	Release(ctx context.Context, submitterID, uniqueKey string) (domain.LedgerResult, error)
}

// Publisher re-dispatches recovered jobs
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Recorder receives worker metrics
type Recorder interface {
	JobStarted()
	JobFinished(outcome string, elapsed time.Duration)
	RecordRecovered(n int)
}

// Job outcomes reported to the Recorder
const (
	OutcomeDone     = "done"
	OutcomeRequeued = "requeued"
	OutcomeError    = "error"
)

var errDeliveriesClosed = errors.New("delivery stream closed")

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             Store
	Source            queue.Source
	Publisher         Publisher
	Analyzer          Analyzer
	Ledger            Ledger
	Metrics           Recorder
	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	CreditsPerJob     int64
	StaleAfter        time.Duration
	RecoveryInterval  time.Duration
	RedispatchLimit   int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger            *slog.Logger
	store             Store
	source            queue.Source
	publisher         Publisher
	analyzer          Analyzer
	ledger            Ledger
	metrics           Recorder
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	creditsPerJob     int64
	staleAfter        time.Duration
	recoveryInterval  time.Duration
	redispatchLimit   int
	retryDelay        time.Duration
	maxRetryDelay     time.Duration
	jobsChan          chan *envelope
	wg                sync.WaitGroup
	stopOnce          sync.Once
	stopChan          chan struct{}
	now               func() time.Time
}

// envelope pairs a decoded message with the delivery it must settle
type envelope struct {
	msg      domain.JobMessage
	delivery queue.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	credits := cfg.CreditsPerJob
	if credits <= 0 {
		credits = 1
	}
	redispatch := cfg.RedispatchLimit
	if redispatch <= 0 {
		redispatch = 100
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxRetryDelay := max(cfg.MaxRetryDelay, retryDelay)

	return &Worker{
		logger:            cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		store:             cfg.Store,
		source:            cfg.Source,
		publisher:         cfg.Publisher,
		analyzer:          cfg.Analyzer,
		ledger:            cfg.Ledger,
		metrics:           cfg.Metrics,
		workerID:          cfg.WorkerID,
		concurrency:       concurrency,
		jobTimeout:        jobTimeout,
		heartbeatInterval: heartbeat,
		creditsPerJob:     credits,
		staleAfter:        cfg.StaleAfter,
		recoveryInterval:  cfg.RecoveryInterval,
		redispatchLimit:   redispatch,
		retryDelay:        retryDelay,
		maxRetryDelay:     maxRetryDelay,
		jobsChan:          make(chan *envelope),
		stopChan:          make(chan struct{}),
		now:               time.Now,
	}
}

// Start consumes deliveries and processes jobs until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Int64("credits_per_job", w.creditsPerJob),
	)

	deliveries, err := w.source.Deliveries(ctx, w.workerID)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if w.staleAfter > 0 && w.recoveryInterval > 0 {
		w.wg.Add(1)
		go w.recoveryLoop(ctx)
	}

	w.startMessageDispatcher(ctx, deliveries)

	if ctx.Err() == nil {
		return errDeliveriesClosed
	}
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop waits for in-flight jobs to settle
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
