package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	BatchID  string `form:"batch_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string            `json:"job_id"`
	Type         string            `json:"type"`
	BatchID      string            `json:"batch_id,omitempty"`
	UserID       string            `json:"user_id"`
	UniqueKey    string            `json:"unique_key"`
	Payload      domain.JobPayload `json:"payload"`
	Status       string            `json:"status"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// NewJobDTO converts a domain job for the wire
func NewJobDTO(job domain.Job) JobDTO {
	return JobDTO{
		JobID:        job.ID,
		Type:         job.Type,
		BatchID:      job.BatchID,
		UserID:       job.SubmitterID,
		UniqueKey:    job.UniqueKey,
		Payload:      job.Payload,
		Status:       string(job.Status),
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
}
