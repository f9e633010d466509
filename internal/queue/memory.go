package queue

import (
	"context"
	"sync"
)

// Memory is an in-process queue for the embedded deployment, where the API
// service runs the worker pool itself. Nack with requeue puts the message back.
type Memory struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewMemory creates a queue buffering up to size messages
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// PublishJob enqueues a dispatch message, blocking while the buffer is full
func (m *Memory) PublishJob(ctx context.Context, jobID string) error {
	body, err := EncodeJobMessage(jobID)
	if err != nil {
		return err
	}
	return m.push(ctx, body)
}

func (m *Memory) push(ctx context.Context, body []byte) error {
	select {
	case <-m.done:
		return errQueueClosed
	default:
	}

	select {
	case m.ch <- body:
		return nil
	case <-m.done:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliveries streams buffered messages until ctx is done or Close is called
func (m *Memory) Deliveries(ctx context.Context, _ string) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case body := <-m.ch:
				select {
				case out <- &memoryDelivery{queue: m, body: body}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Len reports the number of buffered messages
func (m *Memory) Len() int {
	return len(m.ch)
}

// Close stops accepting messages and ends every delivery stream
func (m *Memory) Close() {
	m.once.Do(func() { close(m.done) })
}

type memoryDelivery struct {
	queue *Memory
	body  []byte
}

func (d *memoryDelivery) Body() []byte { return d.body }
func (d *memoryDelivery) Ack() error   { return nil }

func (d *memoryDelivery) Nack(requeue bool) error {
	if !requeue {
		return nil
	}
	go func() {
		_ = d.queue.push(context.Background(), d.body)
	}()
	return nil
}
