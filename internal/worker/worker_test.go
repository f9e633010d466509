package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/idempotency"
	"github.com/cuongbtq/listing-pipeline/internal/ledger"
	"github.com/cuongbtq/listing-pipeline/internal/queue"
	"github.com/cuongbtq/listing-pipeline/internal/storage/boltstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const submitter = "user-1"

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, payload domain.JobPayload) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"title":"` + payload.Title + `"}`), nil
}

type fixture struct {
	store    *boltstore.Store
	ledger   *ledger.Ledger
	analyzer *fakeAnalyzer
	queue    *queue.Memory
	worker   *Worker
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := boltstore.Open(filepath.Join(t.TempDir(), "worker.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := ledger.New(store, logger, nil)
	if balance > 0 {
		_, err := l.Grant(context.Background(), submitter, "seed", balance)
		require.NoError(t, err)
	}

	q := queue.NewMemory(16)
	t.Cleanup(q.Close)

	analyzer := &fakeAnalyzer{}
	w := NewWorker(&Config{
		Logger:           logger,
		Store:            store,
		Source:           q,
		Publisher:        q,
		Analyzer:         analyzer,
		Ledger:           l,
		WorkerID:         "worker-test",
		Concurrency:      2,
		JobTimeout:       time.Second,
		CreditsPerJob:    1,
		StaleAfter:       time.Minute,
		RecoveryInterval: time.Hour,
	})

	_, err = store.CreateBatch(context.Background(), &domain.Batch{ID: "batch-1", SubmitterID: submitter, Status: domain.BatchStatusPending})
	require.NoError(t, err)

	return &fixture{store: store, ledger: l, analyzer: analyzer, queue: q, worker: w}
}

func (f *fixture) addJob(t *testing.T, title string, maxRetries int) domain.Job {
	t.Helper()
	key := idempotency.ForRow(submitter, "https://cdn.example.com/"+title+".png", title, "")
	now := time.Now().UTC()
	job := domain.Job{
		ID:          uuid.NewString(),
		Type:        domain.JobTypeAnalysis,
		BatchID:     "batch-1",
		SubmitterID: submitter,
		UniqueKey:   key,
		Payload: domain.JobPayload{
			SubmitterID: submitter,
			ImageURL:    "https://cdn.example.com/" + title + ".png",
			Title:       title,
			Channel:     domain.DefaultChannel,
			Lang:        domain.DefaultLang,
			UniqueKey:   key,
		},
		Status:     domain.JobStatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	inserted, _, err := f.store.AdmitJobs(context.Background(), "batch-1", []domain.Job{job}, 1)
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	return job
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), submitter)
	require.NoError(t, err)
	return b
}

func TestProcessJobSuccess(t *testing.T) {
	f := newFixture(t, 5)
	job := f.addJob(t, "mug", 3)

	err := f.worker.processJob(context.Background(), domain.JobMessage{JobID: job.ID})
	require.NoError(t, err)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, stored.Status)
	assert.JSONEq(t, `{"title":"mug"}`, string(stored.Result))
	assert.Equal(t, int64(4), f.balance(t))

	// A redelivered message cannot run the job twice
	err = f.worker.processJob(context.Background(), domain.JobMessage{JobID: job.ID})
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.False(t, shouldRequeueJob(err))
	assert.Equal(t, int64(4), f.balance(t))
	assert.Equal(t, 1, f.analyzer.calls)
}

func TestProcessJobTransientFailureRequeues(t *testing.T) {
	f := newFixture(t, 5)
	job := f.addJob(t, "lamp", 2)
	f.analyzer.errs = []error{domain.NewUpstreamError(errors.New("503 from model"))}

	err := f.worker.processJob(context.Background(), domain.JobMessage{JobID: job.ID})
	require.Error(t, err)
	assert.True(t, shouldRequeueJob(err))

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, int64(5), f.balance(t))

	// Second attempt succeeds and charges exactly once
	require.NoError(t, f.worker.processJob(context.Background(), domain.JobMessage{JobID: job.ID}))
	stored, err = f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, int64(4), f.balance(t))
}

func TestProcessJobRetriesExhausted(t *testing.T) {
	f := newFixture(t, 1)
	job := f.addJob(t, "vase", 0)
	f.analyzer.errs = []error{errors.New("model returned garbage")}

	err := f.worker.processJob(context.Background(), domain.JobMessage{JobID: job.ID})
	assert.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)
	assert.False(t, shouldRequeueJob(err))

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, int64(1), f.balance(t))

	// The hold was released, so the full balance can be reserved again
	_, err = f.ledger.Reserve(context.Background(), submitter, "other", 1)
	assert.NoError(t, err)
}

func TestProcessJobInsufficientCreditIsFatal(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.ledger.Grant(context.Background(), submitter, "seed", 1)
	require.NoError(t, err)
	_, err = f.ledger.Debit(context.Background(), submitter, "spent", 1)
	require.NoError(t, err)

	job := f.addJob(t, "chair", 3)
	err = f.worker.processJob(context.Background(), domain.JobMessage{JobID: job.ID})
	assert.ErrorIs(t, err, errJobFailed)
	assert.False(t, shouldRequeueJob(err))

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, stored.Status)
	assert.Equal(t, 0, f.analyzer.calls)
}

func TestRecoverOnce(t *testing.T) {
	f := newFixture(t, 5)
	stale := f.addJob(t, "stale", 1)
	exhausted := f.addJob(t, "exhausted", 0)
	waiting := f.addJob(t, "waiting", 1)

	ctx := context.Background()
	_, err := f.store.ClaimJob(ctx, stale.ID, "dead-worker")
	require.NoError(t, err)
	_, err = f.store.ClaimJob(ctx, exhausted.ID, "dead-worker")
	require.NoError(t, err)
	_, err = f.ledger.Reserve(ctx, submitter, exhausted.UniqueKey, 1)
	require.NoError(t, err)

	f.worker.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := f.worker.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Requeued: 1, Failed: 1, Redispatched: 1}, res)

	got, err := f.store.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	got, err = f.store.GetJob(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, got.Status)

	got, err = f.store.GetJob(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)

	assert.Equal(t, 2, f.queue.Len())
	// Released hold: all five credits are available again
	_, err = f.ledger.Reserve(ctx, submitter, "after-sweep", 5)
	assert.NoError(t, err)
}

func TestStartProcessesPublishedJobs(t *testing.T) {
	f := newFixture(t, 10)
	jobs := []domain.Job{f.addJob(t, "a", 1), f.addJob(t, "b", 1), f.addJob(t, "c", 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Start(ctx) }()

	for _, job := range jobs {
		require.NoError(t, f.queue.PublishJob(ctx, job.ID))
	}
	require.NoError(t, f.queue.PublishJob(ctx, "not-a-uuid"))

	require.Eventually(t, func() bool {
		for _, job := range jobs {
			got, err := f.store.GetJob(context.Background(), job.ID)
			if err != nil || got.Status != domain.JobStatusDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	f.worker.Stop()

	assert.Equal(t, int64(7), f.balance(t))
}

func TestRetryBackoff(t *testing.T) {
	f := newFixture(t, 0)
	f.worker.retryDelay = time.Second
	f.worker.maxRetryDelay = 5 * time.Second

	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{name: "store failure", err: domain.NewUpstreamError(errors.New("db down")), want: time.Second},
		{name: "first attempt", err: &attemptError{attempt: 1, err: errors.New("429")}, want: time.Second},
		{name: "third attempt", err: &attemptError{attempt: 3, err: errors.New("429")}, want: 4 * time.Second},
		{name: "capped", err: &attemptError{attempt: 10, err: errors.New("429")}, want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.worker.retryBackoff(tt.err))
		})
	}
}

func TestStartDelaysRedeliveryOfFailedJob(t *testing.T) {
	f := newFixture(t, 5)
	f.worker.retryDelay = 300 * time.Millisecond
	f.worker.maxRetryDelay = 300 * time.Millisecond
	f.analyzer.errs = []error{domain.NewUpstreamError(errors.New("429 from model"))}
	job := f.addJob(t, "rug", 3)

	calls := func() int {
		f.analyzer.mu.Lock()
		defer f.analyzer.mu.Unlock()
		return f.analyzer.calls
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Start(ctx) }()

	require.NoError(t, f.queue.PublishJob(ctx, job.ID))
	require.Eventually(t, func() bool { return calls() == 1 }, 5*time.Second, 10*time.Millisecond)

	// The failed delivery is held back for the backoff
	require.Never(t, func() bool { return calls() > 1 }, 150*time.Millisecond, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == domain.JobStatusDone
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, calls())

	cancel()
	require.NoError(t, <-done)
	f.worker.Stop()
	assert.Equal(t, int64(4), f.balance(t))
}
