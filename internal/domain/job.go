package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is a state of the job state machine
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusError      JobStatus = "error"
)

// JobTypeAnalysis tags jobs that run image analysis for a product row
const JobTypeAnalysis = "analysisJob"

// Defaults applied when a row omits channel or lang
const (
	DefaultChannel = "Generic"
	DefaultLang    = "auto"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusDone, JobStatusError:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an edge of the state machine.
// processing → queued is the transient-failure re-queue.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusDone || to == JobStatusError || to == JobStatusQueued
	}
	return false
}

// JobPayload is the unit of work handed to the worker pool
type JobPayload struct {
	SubmitterID string `json:"submitter_id"`
	ImageURL    string `json:"image_url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Channel     string `json:"channel"`
	Lang        string `json:"lang"`
	UniqueKey   string `json:"unique_key"`
}

// Value implements driver.Valuer so the payload is stored as JSON
func (p JobPayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (p *JobPayload) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*p = JobPayload{}
		return nil
	default:
		return fmt.Errorf("%w: unsupported payload type %T", ErrInvalidPayload, src)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Job is a persisted unit of work. UniqueKey is unique per SubmitterID.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	BatchID      string          `json:"batch_id,omitempty"`
	SubmitterID  string          `json:"submitter_id"`
	UniqueKey    string          `json:"unique_key"`
	Payload      JobPayload      `json:"payload"`
	Status       JobStatus       `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	WorkerID     string          `json:"worker_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	HeartbeatAt  *time.Time      `json:"last_heartbeat_at,omitempty"`
}

// JobMessage is the dispatch message carried on the queue
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// JobFilter selects jobs for listing
type JobFilter struct {
	SubmitterID string
	BatchID     string
	Status      JobStatus
	PageSize    int
	Cursor      *JobCursor
}

// JobCursor is a keyset pagination position (created_at DESC, id DESC)
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobFailure describes how a failed attempt should be recorded
type JobFailure struct {
	Message string
	// Requeue moves the job back to queued; otherwise it becomes error
	Requeue bool
}
