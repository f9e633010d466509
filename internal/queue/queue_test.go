package queue

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobMessageEncoding(t *testing.T) {
	body, err := EncodeJobMessage("7c1d7f3e-59a5-4b1b-9e0c-3f4b4b0b8a11")
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"7c1d7f3e-59a5-4b1b-9e0c-3f4b4b0b8a11"}`, string(body))

	msg, err := DecodeJobMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "7c1d7f3e-59a5-4b1b-9e0c-3f4b4b0b8a11", msg.JobID)

	_, err = DecodeJobMessage([]byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestMemoryPublishAndRequeue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemory(4)
	require.NoError(t, q.PublishJob(ctx, "job-1"))
	assert.Equal(t, 1, q.Len())

	deliveries, err := q.Deliveries(ctx, "test")
	require.NoError(t, err)

	d := receive(t, deliveries)
	msg, err := DecodeJobMessage(d.Body())
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.JobID)

	require.NoError(t, d.Nack(true))
	again := receive(t, deliveries)
	assert.Equal(t, d.Body(), again.Body())
	require.NoError(t, again.Ack())
}

func TestMemoryClose(t *testing.T) {
	q := NewMemory(1)
	deliveries, err := q.Deliveries(context.Background(), "test")
	require.NoError(t, err)

	q.Close()
	q.Close()

	_, ok := <-deliveries
	assert.False(t, ok)
	assert.ErrorIs(t, q.PublishJob(context.Background(), "job-2"), errQueueClosed)
}

func TestMemoryPublishHonoursContext(t *testing.T) {
	q := NewMemory(1)
	require.NoError(t, q.PublishJob(context.Background(), "job-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.PublishJob(ctx, "job-2"), context.DeadlineExceeded)
}
