package dto

import (
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

type CreateBatchRequest struct {
	BatchID string `json:"batch_id"`
	UserID  string `json:"user_id" binding:"required"`
}

// DispatchRequest carries the tabular payload either by URL or inline
type DispatchRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	BatchID string `json:"batch_id" binding:"required"`
	FileURL string `json:"file_url"`
	CSV     string `json:"csv"`
}

type DispatchResponse struct {
	BatchID string   `json:"batch_id"`
	Queued  int      `json:"queued"`
	Skipped int      `json:"skipped"`
	Total   int      `json:"total"`
	JobIDs  []string `json:"job_ids"`
}

type BatchDTO struct {
	BatchID   string             `json:"batch_id"`
	UserID    string             `json:"user_id"`
	Status    string             `json:"status"`
	Stats     *domain.BatchStats `json:"stats,omitempty"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

func NewBatchDTO(batch *domain.Batch) BatchDTO {
	return BatchDTO{
		BatchID:   batch.ID,
		UserID:    batch.SubmitterID,
		Status:    string(batch.Status),
		Stats:     batch.Stats,
		CreatedAt: batch.CreatedAt.Format(time.RFC3339),
		UpdatedAt: batch.UpdatedAt.Format(time.RFC3339),
	}
}
