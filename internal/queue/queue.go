// Package queue carries job dispatch messages between admission and the
// worker pool. Messages only name a job; the job itself lives in the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

const contentTypeJSON = "application/json"

// Delivery is one received message awaiting acknowledgement
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Source yields deliveries until ctx is done or the broker closes the stream
type Source interface {
	Deliveries(ctx context.Context, consumerTag string) (<-chan Delivery, error)
}

// EncodeJobMessage renders the dispatch message for jobID
func EncodeJobMessage(jobID string) ([]byte, error) {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return body, nil
}

// DecodeJobMessage parses a dispatch message
func DecodeJobMessage(body []byte) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.JobMessage{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return msg, nil
}

var errQueueClosed = errors.New("queue closed")
