package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, type, batch_id, submitter_id, unique_key, payload, status,
	retry_count, max_retries, worker_id, result, error_message,
	created_at, updated_at, last_heartbeat_at`

// insertChunk bounds the number of rows per INSERT so a statement stays well
// below the protocol's parameter limit
const insertChunk = 500

type jobRow struct {
	ID           string            `db:"id"`
	Type         string            `db:"type"`
	BatchID      sql.NullString    `db:"batch_id"`
	SubmitterID  string            `db:"submitter_id"`
	UniqueKey    string            `db:"unique_key"`
	Payload      domain.JobPayload `db:"payload"`
	Status       string            `db:"status"`
	RetryCount   int               `db:"retry_count"`
	MaxRetries   int               `db:"max_retries"`
	WorkerID     sql.NullString    `db:"worker_id"`
	Result       []byte            `db:"result"`
	ErrorMessage sql.NullString    `db:"error_message"`
	CreatedAt    time.Time         `db:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"`
	HeartbeatAt  sql.NullTime      `db:"last_heartbeat_at"`
}

func (r jobRow) toDomain() domain.Job {
	job := domain.Job{
		ID:           r.ID,
		Type:         r.Type,
		BatchID:      r.BatchID.String,
		SubmitterID:  r.SubmitterID,
		UniqueKey:    r.UniqueKey,
		Payload:      r.Payload,
		Status:       domain.JobStatus(r.Status),
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		WorkerID:     r.WorkerID.String,
		ErrorMessage: r.ErrorMessage.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Result) > 0 {
		job.Result = json.RawMessage(r.Result)
	}
	if r.HeartbeatAt.Valid {
		t := r.HeartbeatAt.Time
		job.HeartbeatAt = &t
	}
	return job
}

func toDomainJobs(rows []jobRow) []domain.Job {
	jobs := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toDomain())
	}
	return jobs
}

// CreateBatch inserts batch unless its id exists and returns the stored row
func (s *Store) CreateBatch(ctx context.Context, batch *domain.Batch) (*domain.Batch, error) {
	query := `
		INSERT INTO batches (id, submitter_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query,
		batch.ID, batch.SubmitterID, batch.Status, batch.CreatedAt, batch.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return s.GetBatch(ctx, batch.ID)
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	var batch domain.Batch
	query := `SELECT id, submitter_id, status, stats, created_at, updated_at FROM batches WHERE id = $1`
	if err := s.db.GetContext(ctx, &batch, query, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

// AdmitJobs bulk inserts jobs with ON CONFLICT DO NOTHING on
// (submitter_id, unique_key) and records the batch stats in one transaction.
// The first admission of a batch sets its stats; later admissions leave them.
func (s *Store) AdmitJobs(ctx context.Context, batchID string, jobs []domain.Job, total int) ([]domain.Job, domain.BatchStats, error) {
	var inserted []domain.Job
	var stats domain.BatchStats

	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		var owner string
		var hasStats bool
		err := tx.QueryRowxContext(ctx,
			`SELECT submitter_id, stats IS NOT NULL FROM batches WHERE id = $1 FOR UPDATE`, batchID,
		).Scan(&owner, &hasStats)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrBatchNotFound
			}
			return fmt.Errorf("failed to lock batch: %w", err)
		}

		for _, job := range jobs {
			if owner != "" && job.SubmitterID != owner {
				return domain.ErrBatchNotFound
			}
		}

		insertedIDs := make(map[string]struct{}, len(jobs))
		for start := 0; start < len(jobs); start += insertChunk {
			end := min(start+insertChunk, len(jobs))
			ids, err := insertJobs(ctx, tx, jobs[start:end])
			if err != nil {
				return err
			}
			for _, id := range ids {
				insertedIDs[id] = struct{}{}
			}
		}

		inserted = make([]domain.Job, 0, len(insertedIDs))
		for _, job := range jobs {
			if _, ok := insertedIDs[job.ID]; ok {
				inserted = append(inserted, job)
			}
		}

		stats = domain.NewBatchStats(total, len(inserted))
		if hasStats {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE batches SET status = $1, stats = $2, updated_at = NOW() WHERE id = $3`,
			domain.BatchStatusProcessing, stats, batchID,
		)
		if err != nil {
			return fmt.Errorf("failed to update batch stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, domain.BatchStats{}, err
	}

	s.logger.Debug("Jobs inserted",
		slog.String("batch_id", batchID),
		slog.Int("candidates", len(jobs)),
		slog.Int("inserted", len(inserted)),
	)

	return inserted, stats, nil
}

func insertJobs(ctx context.Context, tx *sqlx.Tx, jobs []domain.Job) ([]string, error) {
	query, args := buildInsertJobs(jobs)

	var ids []string
	if err := tx.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to insert jobs: %w", err)
	}
	return ids, nil
}

// buildInsertJobs renders one multi-row INSERT that skips rows whose
// (submitter_id, unique_key) already exists, including earlier rows of the same statement
func buildInsertJobs(jobs []domain.Job) (string, []any) {
	const cols = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO jobs (id, type, batch_id, submitter_id, unique_key, payload,
		status, retry_count, max_retries, created_at, updated_at) VALUES `)

	args := make([]any, 0, len(jobs)*cols)
	for i, job := range jobs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11))
		args = append(args,
			job.ID, job.Type, job.BatchID, job.SubmitterID, job.UniqueKey, job.Payload,
			job.Status, job.RetryCount, job.MaxRetries, job.CreatedAt, job.UpdatedAt,
		)
	}
	sb.WriteString(" ON CONFLICT (submitter_id, unique_key) DO NOTHING RETURNING id")

	return sb.String(), args
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job := row.toDomain()
	return &job, nil
}

// ListJobs returns up to PageSize+1 jobs ordered by created_at DESC, id DESC
func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.SubmitterID != "" {
		query += fmt.Sprintf(" AND submitter_id = $%d", argIdx)
		args = append(args, filter.SubmitterID)
		argIdx++
	}

	if filter.BatchID != "" {
		query += fmt.Sprintf(" AND batch_id = $%d", argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return toDomainJobs(rows), nil
}

// ClaimJob moves a queued job to processing using optimistic locking on status
func (s *Store) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, domain.JobStatusProcessing, workerID, jobID, domain.JobStatusQueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if err := s.requireJob(ctx, jobID); err != nil {
				return nil, err
			}
			s.logger.Warn("Failed to claim job - not in queued status",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job := row.toDomain()
	return &job, nil
}

// UpdateJobHeartbeat refreshes last_heartbeat_at of a processing job
func (s *Store) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return s.expectProcessing(ctx, result, jobID)
}

// CompleteJob marks a processing job done with its result
func (s *Store) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	var resultJSON sql.NullString
	if len(result) > 0 {
		resultJSON = sql.NullString{String: string(result), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query, domain.JobStatusDone, resultJSON, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.expectProcessing(ctx, res, jobID)
}

// FailJob counts a failed attempt and either re-queues the job or parks it in error
func (s *Store) FailJob(ctx context.Context, jobID string, failure domain.JobFailure) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    status = CASE WHEN $2 THEN $3 ELSE $4 END,
		    worker_id = CASE WHEN $2 THEN NULL ELSE worker_id END,
		    last_heartbeat_at = CASE WHEN $2 THEN NULL ELSE last_heartbeat_at END,
		    error_message = $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = $6
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		jobID, failure.Requeue, domain.JobStatusQueued, domain.JobStatusError,
		failure.Message, domain.JobStatusProcessing,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if err := s.requireJob(ctx, jobID); err != nil {
				return nil, err
			}
			return nil, domain.ErrInvalidTransition
		}
		return nil, fmt.Errorf("failed to record job failure: %w", err)
	}

	job := row.toDomain()
	return &job, nil
}

// RecoverStaleJobs fails every processing job whose heartbeat is older than
// staleBefore, re-queueing those with retries left. It returns the updated jobs.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleBefore time.Time) ([]domain.Job, error) {
	query := `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count < max_retries THEN $1 ELSE $2 END,
		    worker_id = CASE WHEN retry_count < max_retries THEN NULL ELSE worker_id END,
		    last_heartbeat_at = CASE WHEN retry_count < max_retries THEN NULL ELSE last_heartbeat_at END,
		    error_message = 'worker heartbeat lost',
		    updated_at = NOW()
		WHERE status = $3
		  AND COALESCE(last_heartbeat_at, updated_at) < $4
		RETURNING ` + jobColumns

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query,
		domain.JobStatusQueued, domain.JobStatusError, domain.JobStatusProcessing, staleBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	return toDomainJobs(rows), nil
}

// RedispatchQueued returns up to limit queued jobs not touched since before,
// oldest first, and stamps them so the next sweep skips them.
func (s *Store) RedispatchQueued(ctx context.Context, before time.Time, limit int) ([]string, error) {
	query := `
		UPDATE jobs
		SET updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $1 AND updated_at < $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, domain.JobStatusQueued, before, limit); err != nil {
		return nil, fmt.Errorf("failed to select queued jobs for redispatch: %w", err)
	}
	return ids, nil
}

func (s *Store) expectProcessing(ctx context.Context, result sql.Result, jobID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if err := s.requireJob(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

func (s *Store) requireJob(ctx context.Context, jobID string) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return domain.ErrJobNotFound
	}
	return nil
}
