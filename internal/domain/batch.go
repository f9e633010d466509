package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// BatchStatus is the lifecycle state of a submission
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// BatchStats summarises one admission
type BatchStats struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

// NewBatchStats derives skipped from the rows seen and the jobs actually persisted
func NewBatchStats(total, queued int) BatchStats {
	return BatchStats{
		Total:   total,
		Queued:  queued,
		Skipped: total - queued,
	}
}

// Value implements driver.Valuer
func (s BatchStats) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (s *BatchStats) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = BatchStats{}
		return nil
	}
	return fmt.Errorf("unsupported batch stats type %T", src)
}

// Batch is the persistent aggregate over a submission
type Batch struct {
	ID          string      `json:"id" db:"id"`
	SubmitterID string      `json:"submitter_id" db:"submitter_id"`
	Status      BatchStatus `json:"status" db:"status"`
	Stats       *BatchStats `json:"stats,omitempty" db:"stats"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}
