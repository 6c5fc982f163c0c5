package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	channel  *amqp.Channel
	exchange string
	dlq      string
}

func NewPublisher(conn *amqp.Connection, exchange, dlq string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	return &Publisher{channel: ch, exchange: exchange, dlq: dlq}, nil
}

// Enqueue publishes a new analysis job.
func (p *Publisher) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return p.publish(ctx, p.exchange, RoutingKey, body, nil)
}

func (p *Publisher) Retry(ctx context.Context, body []byte, attempt int) error {
	return p.publish(ctx, p.exchange, RoutingKey, body, amqp.Table{
		retryHeader: int32(attempt),
	})
}

func (p *Publisher) PublishToDLQ(ctx context.Context, body []byte, reason string) error {
	return p.publish(ctx, "", p.dlq, body, amqp.Table{
		"x-dlq-reason": reason,
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error {
	return p.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
		},
	)
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}
