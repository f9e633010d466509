package boltstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

// CreateBatch stores batch unless a batch with the same id exists, and returns the stored batch
func (s *Store) CreateBatch(ctx context.Context, batch *domain.Batch) (*domain.Batch, error) {
	var stored domain.Batch
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		found, err := getJSON(b, []byte(batch.ID), &stored)
		if err != nil || found {
			return err
		}
		stored = *batch
		return putJSON(b, []byte(batch.ID), stored)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	var batch domain.Batch
	err := s.view(ctx, func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketBatches), []byte(batchID), &batch)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrBatchNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// AdmitJobs inserts jobs whose (submitter, unique key) is new and records the
// batch stats in the same transaction. The first admission of a batch sets its
// stats; later admissions leave them untouched.
func (s *Store) AdmitJobs(ctx context.Context, batchID string, jobs []domain.Job, total int) ([]domain.Job, domain.BatchStats, error) {
	var inserted []domain.Job
	var stats domain.BatchStats

	err := s.update(ctx, func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		var batch domain.Batch
		found, err := getJSON(batches, []byte(batchID), &batch)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrBatchNotFound
		}

		jobsBucket := tx.Bucket(bucketJobs)
		keys := tx.Bucket(bucketJobKeys)
		inserted = make([]domain.Job, 0, len(jobs))

		for _, job := range jobs {
			if batch.SubmitterID != "" && job.SubmitterID != batch.SubmitterID {
				return domain.ErrBatchNotFound
			}
			indexKey := compositeKey(job.SubmitterID, job.UniqueKey)
			if keys.Get(indexKey) != nil {
				continue
			}
			if err := putJSON(jobsBucket, []byte(job.ID), job); err != nil {
				return err
			}
			if err := keys.Put(indexKey, []byte(job.ID)); err != nil {
				return err
			}
			inserted = append(inserted, job)
		}

		stats = domain.NewBatchStats(total, len(inserted))
		if batch.Stats != nil {
			return nil
		}
		batch.Status = domain.BatchStatusProcessing
		batch.Stats = &stats
		batch.UpdatedAt = s.now()
		return putJSON(batches, []byte(batchID), batch)
	})
	if err != nil {
		return nil, domain.BatchStats{}, err
	}

	return inserted, stats, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.view(ctx, func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketJobs), []byte(jobID), &job)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrJobNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns up to PageSize+1 jobs ordered by created_at DESC, id DESC
func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job domain.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if matches(job, filter) {
				jobs = append(jobs, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return jobs, nil
}

func matches(job domain.Job, filter domain.JobFilter) bool {
	if filter.SubmitterID != "" && job.SubmitterID != filter.SubmitterID {
		return false
	}
	if filter.BatchID != "" && job.BatchID != filter.BatchID {
		return false
	}
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if c := filter.Cursor; c != nil {
		if job.CreatedAt.After(c.CreatedAt) {
			return false
		}
		if job.CreatedAt.Equal(c.CreatedAt) && job.ID >= c.JobID {
			return false
		}
	}
	return true
}

// ClaimJob moves a queued job to processing for workerID
func (s *Store) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	var job domain.Job
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		found, err := getJSON(b, []byte(jobID), &job)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrJobNotFound
		}
		if job.Status != domain.JobStatusQueued {
			return domain.ErrJobAlreadyClaimed
		}

		now := s.now()
		job.Status = domain.JobStatusProcessing
		job.WorkerID = workerID
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		return putJSON(b, []byte(jobID), job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	return s.mutateProcessing(ctx, jobID, func(job *domain.Job, now time.Time) {
		job.HeartbeatAt = &now
	})
}

// CompleteJob marks a processing job done with its result
func (s *Store) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	return s.mutateProcessing(ctx, jobID, func(job *domain.Job, _ time.Time) {
		job.Status = domain.JobStatusDone
		job.Result = result
		job.ErrorMessage = ""
	})
}

// FailJob counts a failed attempt and either re-queues the job or parks it in error
func (s *Store) FailJob(ctx context.Context, jobID string, failure domain.JobFailure) (*domain.Job, error) {
	var updated domain.Job
	err := s.mutateProcessing(ctx, jobID, func(job *domain.Job, _ time.Time) {
		applyFailure(job, failure)
		updated = *job
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func applyFailure(job *domain.Job, failure domain.JobFailure) {
	job.RetryCount++
	job.ErrorMessage = failure.Message
	if failure.Requeue {
		job.Status = domain.JobStatusQueued
		job.WorkerID = ""
		job.HeartbeatAt = nil
		return
	}
	job.Status = domain.JobStatusError
}

func (s *Store) mutateProcessing(ctx context.Context, jobID string, fn func(job *domain.Job, now time.Time)) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var job domain.Job
		found, err := getJSON(b, []byte(jobID), &job)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrJobNotFound
		}
		if job.Status != domain.JobStatusProcessing {
			return domain.ErrInvalidTransition
		}

		now := s.now()
		fn(&job, now)
		job.UpdatedAt = now
		return putJSON(b, []byte(jobID), job)
	})
}

// RecoverStaleJobs fails every processing job whose heartbeat is older than
// staleBefore, re-queueing those with retries left. It returns the updated jobs.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleBefore time.Time) ([]domain.Job, error) {
	var recovered []domain.Job
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var stale []domain.Job
		err := b.ForEach(func(_, v []byte) error {
			var job domain.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status != domain.JobStatusProcessing {
				return nil
			}
			last := job.UpdatedAt
			if job.HeartbeatAt != nil {
				last = *job.HeartbeatAt
			}
			if last.Before(staleBefore) {
				stale = append(stale, job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		now := s.now()
		for _, job := range stale {
			applyFailure(&job, domain.JobFailure{
				Message: "worker heartbeat lost",
				Requeue: job.RetryCount < job.MaxRetries,
			})
			job.UpdatedAt = now
			if err := putJSON(b, []byte(job.ID), job); err != nil {
				return err
			}
			recovered = append(recovered, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// RedispatchQueued returns up to limit queued jobs not touched since before,
// oldest first, and stamps them so the next sweep skips them.
func (s *Store) RedispatchQueued(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var candidates []domain.Job
		err := b.ForEach(func(_, v []byte) error {
			var job domain.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == domain.JobStatusQueued && job.UpdatedAt.Before(before) {
				candidates = append(candidates, job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		if limit > 0 && len(candidates) > limit {
			candidates = candidates[:limit]
		}

		now := s.now()
		for _, job := range candidates {
			job.UpdatedAt = now
			if err := putJSON(b, []byte(job.ID), job); err != nil {
				return err
			}
			ids = append(ids, job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
