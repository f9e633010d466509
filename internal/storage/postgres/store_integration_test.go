//go:build integration

package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/ledger"
	"github.com/cuongbtq/listing-pipeline/shared/postgresql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with: go test -tags integration ./internal/storage/postgres/ against a
// scratch database named by TEST_POSTGRES_HOST and friends.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	host := os.Getenv("TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("TEST_POSTGRES_HOST not set")
	}
	port, err := strconv.Atoi(envOr("TEST_POSTGRES_PORT", "5432"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:         host,
		Port:         port,
		User:         envOr("TEST_POSTGRES_USER", "postgres"),
		Password:     os.Getenv("TEST_POSTGRES_PASSWORD"),
		Database:     envOr("TEST_POSTGRES_DB", "listing_test"),
		SSLMode:      "disable",
		MaxOpenConns: 16,
		MaxIdleConns: 4,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := NewStore(client, logger)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	_, err = store.db.ExecContext(ctx, `TRUNCATE jobs, batches, ledger_entries, credit_reservations,
		ledger_accounts, billing_events, profiles CASCADE`)
	require.NoError(t, err)
	return store
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func queuedJob(submitterID, key string) domain.Job {
	now := time.Now().UTC()
	return domain.Job{
		ID:          uuid.NewString(),
		Type:        domain.JobTypeAnalysis,
		BatchID:     "batch-1",
		SubmitterID: submitterID,
		UniqueKey:   key,
		Payload:     domain.JobPayload{SubmitterID: submitterID, ImageURL: "https://cdn.example.com/" + key + ".png", UniqueKey: key},
		Status:      domain.JobStatusQueued,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestAdmitJobsIgnoresDuplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateBatch(ctx, &domain.Batch{ID: "batch-1", SubmitterID: "user-1", Status: domain.BatchStatusPending})
	require.NoError(t, err)

	// The third row repeats the first key within the same statement
	jobs := []domain.Job{queuedJob("user-1", "k1"), queuedJob("user-1", "k2"), queuedJob("user-1", "k1")}
	inserted, stats, err := store.AdmitJobs(ctx, "batch-1", jobs, 3)
	require.NoError(t, err)
	assert.Len(t, inserted, 2)
	assert.Equal(t, domain.BatchStats{Total: 3, Queued: 2, Skipped: 1}, stats)

	again := []domain.Job{queuedJob("user-1", "k1"), queuedJob("user-1", "k2")}
	inserted, stats, err = store.AdmitJobs(ctx, "batch-1", again, 2)
	require.NoError(t, err)
	assert.Empty(t, inserted)
	assert.Equal(t, domain.BatchStats{Total: 2, Queued: 0, Skipped: 2}, stats)

	batch, err := store.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusProcessing, batch.Status)
	require.NotNil(t, batch.Stats)
	assert.Equal(t, 2, batch.Stats.Queued)
}

func TestClaimJobOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateBatch(ctx, &domain.Batch{ID: "batch-1", SubmitterID: "user-1", Status: domain.BatchStatusPending})
	require.NoError(t, err)
	inserted, _, err := store.AdmitJobs(ctx, "batch-1", []domain.Job{queuedJob("user-1", "k1")}, 1)
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	job, err := store.ClaimJob(ctx, inserted[0].ID, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)

	_, err = store.ClaimJob(ctx, inserted[0].ID, "worker-b")
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
}

func TestLedgerConcurrentDebits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	l := ledger.New(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	_, err := l.Grant(ctx, "user-1", "purchase-1", 7)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Debit(ctx, "user-1", "same-key", 3)
		}()
	}
	wg.Wait()

	balance, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)

	var mu sync.Mutex
	insufficient := 0
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "user-1", "job-"+strconv.Itoa(i), 1)
			if errors.Is(err, domain.ErrInsufficientCredit) {
				mu.Lock()
				insufficient++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	balance, err = store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.Equal(t, 2, insufficient)
}

func TestRecordBillingEventOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := &domain.BillingEvent{ID: "bevt_1", EventID: "evt-1", EventType: "order_created", SubmitterID: "user-1", Credits: 50, CreatedAt: time.Now().UTC()}
	written, err := store.RecordBillingEvent(ctx, first)
	require.NoError(t, err)
	assert.True(t, written)

	second := *first
	second.ID = "bevt_2"
	second.SubmitterID = "user-2"
	written, err = store.RecordBillingEvent(ctx, &second)
	require.NoError(t, err)
	assert.False(t, written)

	stored, err := store.GetBillingEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "user-1", stored.SubmitterID)
}
