package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/stagecut/internal/analyzer"
	"github.com/bdougie/stagecut/internal/errors"
	"github.com/bdougie/stagecut/internal/models"
)

type fakeAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.acked++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeRetrier struct {
	mu       sync.Mutex
	retries  []int
	dlq      []string
	retryErr error
}

func (r *fakeRetrier) Retry(ctx context.Context, body []byte, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, attempt)
	return r.retryErr
}

func (r *fakeRetrier) PublishToDLQ(ctx context.Context, body []byte, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlq = append(r.dlq, reason)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func delivery(ack *fakeAck, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Headers:      headers,
		Body:         []byte(`{"video_path":"/videos/demo.mp4"}`),
	}
}

func TestProcessDelivery(t *testing.T) {
	transient := fmt.Errorf("ollama timed out")

	tests := []struct {
		name        string
		handlerErr  error
		headers     amqp.Table
		wantRetries []int
		wantDLQ     int
	}{
		{name: "success acks", handlerErr: nil},
		{name: "transient retries", handlerErr: transient, wantRetries: []int{2}},
		{name: "retry count grows", handlerErr: transient, headers: amqp.Table{retryHeader: int32(3)}, wantRetries: []int{4}},
		{name: "exhausted goes to dlq", handlerErr: transient, headers: amqp.Table{retryHeader: int32(5)}, wantDLQ: 1},
		{name: "permanent goes to dlq", handlerErr: errors.NewDecode("demo.mp4", nil), wantDLQ: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry := &fakeRetrier{}
			c := newConsumer(ConsumerConfig{MaxRetries: 5, BaseDelayMs: 1}, func(ctx context.Context, body []byte) error {
				return tt.handlerErr
			}, retry, testLogger())

			ack := &fakeAck{}
			c.processDelivery(context.Background(), delivery(ack, tt.headers), testLogger())

			assert.Equal(t, 1, ack.acked)
			assert.Equal(t, 0, ack.nacked)
			assert.Equal(t, tt.wantRetries, retry.retries)
			assert.Len(t, retry.dlq, tt.wantDLQ)
		})
	}
}

func TestProcessDelivery_RepublishFailureRequeues(t *testing.T) {
	retry := &fakeRetrier{retryErr: fmt.Errorf("channel closed")}
	c := newConsumer(ConsumerConfig{BaseDelayMs: 1}, func(ctx context.Context, body []byte) error {
		return fmt.Errorf("boom")
	}, retry, testLogger())

	ack := &fakeAck{}
	c.processDelivery(context.Background(), delivery(ack, nil), testLogger())

	assert.Equal(t, 0, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestProcessDelivery_CancelledDuringBackoff(t *testing.T) {
	retry := &fakeRetrier{}
	c := newConsumer(ConsumerConfig{BaseDelayMs: 10_000}, func(ctx context.Context, body []byte) error {
		return fmt.Errorf("boom")
	}, retry, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ack := &fakeAck{}
	c.processDelivery(ctx, delivery(ack, nil), testLogger())

	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)
	assert.Empty(t, retry.retries)
}

func TestWorker_DrainsDeliveries(t *testing.T) {
	var mu sync.Mutex
	handled := 0
	c := newConsumer(ConsumerConfig{WorkerCount: 2}, func(ctx context.Context, body []byte) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}, &fakeRetrier{}, testLogger())

	deliveries := make(chan amqp.Delivery, 5)
	acks := make([]*fakeAck, 5)
	for i := range acks {
		acks[i] = &fakeAck{}
		deliveries <- delivery(acks[i], nil)
	}
	close(deliveries)

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(context.Background(), i, deliveries)
	}
	c.wg.Wait()

	assert.Equal(t, 5, handled)
	for _, a := range acks {
		assert.Equal(t, 1, a.acked)
	}
}

func TestCalculateBackoff(t *testing.T) {
	c := newConsumer(ConsumerConfig{BaseDelayMs: 1000}, nil, nil, testLogger())
	assert.Equal(t, time.Second, c.calculateBackoff(1))
	assert.Equal(t, 4*time.Second, c.calculateBackoff(3))
	assert.Equal(t, maxBackoff, c.calculateBackoff(10))
}

func TestAttemptFromHeaders(t *testing.T) {
	assert.Equal(t, 1, attemptFromHeaders(nil))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{}))
	assert.Equal(t, 3, attemptFromHeaders(amqp.Table{retryHeader: int32(3)}))
	assert.Equal(t, 4, attemptFromHeaders(amqp.Table{retryHeader: int64(4)}))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{retryHeader: "two"}))
}

type fakeAnalyzer struct {
	got analyzer.Request
	err error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (*models.Analysis, error) {
	f.got = req
	return &models.Analysis{}, f.err
}

func TestJobHandler(t *testing.T) {
	a := &fakeAnalyzer{}
	h := NewJobHandler(a)

	err := h(context.Background(), []byte(`{"video_path":"/v/demo.mp4","video_id":"demo-1","product_name":"acme"}`))
	require.NoError(t, err)
	assert.Equal(t, analyzer.Request{VideoPath: "/v/demo.mp4", VideoID: "demo-1", ProductName: "acme"}, a.got)

	err = h(context.Background(), []byte(`{"video_id":"demo-1"}`))
	assert.True(t, errors.Is(err, errors.CodeInvalidRequest))
	assert.True(t, Permanent(err))

	err = h(context.Background(), []byte(`not json`))
	assert.True(t, Permanent(err))

	a.err = fmt.Errorf("store unavailable")
	err = h(context.Background(), []byte(`{"video_path":"/v/demo.mp4"}`))
	assert.Error(t, err)
	assert.False(t, Permanent(err))
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(errors.NewDecode("a.mp4", nil)))
	assert.True(t, Permanent(fmt.Errorf("open: %w", errors.NewInvalidVideoMeta(0, 10))))
	assert.True(t, Permanent(errors.NewNotFound("demo")))
	assert.False(t, Permanent(errors.NewInternal(fmt.Errorf("connection reset"))))
	assert.False(t, Permanent(errors.NewOracleFormat("bad json", nil)))
	assert.False(t, Permanent(fmt.Errorf("store unavailable")))
	assert.False(t, Permanent(nil))
}
