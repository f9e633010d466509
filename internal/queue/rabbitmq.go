package queue

import (
	"context"
	"fmt"

	"github.com/cuongbtq/listing-pipeline/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes and consumes dispatch messages through a broker
type RabbitMQ struct {
	client   *rabbitmq.Client
	prefetch int
}

// NewRabbitMQ creates a RabbitMQ queue; prefetch caps unacknowledged deliveries per consumer
func NewRabbitMQ(client *rabbitmq.Client, prefetch int) *RabbitMQ {
	return &RabbitMQ{
		client:   client,
		prefetch: prefetch,
	}
}

// PublishJob publishes {"job_id": jobID} with the client's retry policy
func (q *RabbitMQ) PublishJob(ctx context.Context, jobID string) error {
	body, err := EncodeJobMessage(jobID)
	if err != nil {
		return err
	}
	return q.client.PublishWithRetry(ctx, body, contentTypeJSON)
}

// Deliveries starts a manual-ack consumer
func (q *RabbitMQ) Deliveries(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	if q.prefetch > 0 {
		if err := q.client.SetPrefetch(q.prefetch); err != nil {
			return nil, err
		}
	}

	raw, err := q.client.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- amqpDelivery{d: d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte            { return a.d.Body }
func (a amqpDelivery) Ack() error              { return a.d.Ack(false) }
func (a amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }
