package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bdougie/stagecut/internal/metrics"
)

const (
	RoutingKey   = "video.analysis"
	retryHeader  = "x-retry-count"
	maxBackoff   = 60 * time.Second
	defaultRetry = 5
)

type MessageHandler func(ctx context.Context, body []byte) error

// retrier puts a failed message back on the queue or parks it in the DLQ.
type retrier interface {
	Retry(ctx context.Context, body []byte, attempt int) error
	PublishToDLQ(ctx context.Context, body []byte, reason string) error
}

type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	queue       string
	workerCount int
	maxRetries  int
	baseDelay   time.Duration
	handler     MessageHandler
	retry       retrier
	logger      *slog.Logger
	wg          sync.WaitGroup
}

type ConsumerConfig struct {
	URL         string
	Queue       string
	Exchange    string
	DLQ         string
	Prefetch    int
	WorkerCount int
	MaxRetries  int
	BaseDelayMs int
}

// Declare sets up the exchange, the work queue and its DLQ on ch.
func Declare(ch *amqp.Channel, cfg ConsumerConfig) error {
	err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, q := range []string{cfg.Queue, cfg.DLQ} {
		_, err = ch.QueueDeclare(q, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	err = ch.QueueBind(cfg.Queue, RoutingKey, cfg.Exchange, false, nil)
	if err != nil {
		return fmt.Errorf("bind analysis queue: %w", err)
	}
	return nil
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := Declare(ch, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	err = ch.Qos(cfg.Prefetch, 0, false)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	pub, err := NewPublisher(conn, cfg.Exchange, cfg.DLQ)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := newConsumer(cfg, handler, pub, logger)
	c.conn = conn
	c.channel = ch
	return c, nil
}

func newConsumer(cfg ConsumerConfig, handler MessageHandler, retry retrier, logger *slog.Logger) *Consumer {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = defaultRetry
	}
	return &Consumer{
		queue:       cfg.Queue,
		workerCount: cfg.WorkerCount,
		maxRetries:  cfg.MaxRetries,
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		handler:     handler,
		retry:       retry,
		logger:      logger,
	}
}

// Start consumes until ctx is cancelled, running one analysis per worker.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // autoAck=false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("starting worker pool",
		"workers", c.workerCount,
		"queue", c.queue,
	)

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info("context cancelled, waiting for workers to finish")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With("worker_id", id)
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery channel closed")
				return
			}
			metrics.ActiveWorkers.Inc()
			c.processDelivery(ctx, d, log)
			metrics.ActiveWorkers.Dec()
		}
	}
}

// processDelivery acks every message it has dealt with. A failed message is
// republished with a higher attempt count after a backoff, or sent to the DLQ
// once retries are exhausted or the failure is permanent.
func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery, log *slog.Logger) {
	err := c.handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	attempt := attemptFromHeaders(d.Headers)
	log.Warn("message processing failed",
		"error", err,
		"delivery_tag", d.DeliveryTag,
		"attempt", attempt,
	)

	if Permanent(err) || attempt >= c.maxRetries {
		if perr := c.retry.PublishToDLQ(ctx, d.Body, err.Error()); perr != nil {
			log.Error("failed to publish to dlq, requeueing", "error", perr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	delay := c.calculateBackoff(attempt)
	log.Info("backoff before retry", "delay", delay, "attempt", attempt)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	metrics.RetryTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
	if perr := c.retry.Retry(ctx, d.Body, attempt+1); perr != nil {
		log.Error("failed to republish message, requeueing", "error", perr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func attemptFromHeaders(h amqp.Table) int {
	if h == nil {
		return 1
	}
	switch v := h[retryHeader].(type) {
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	case int:
		return max(v, 1)
	}
	return 1
}

func (c *Consumer) calculateBackoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
