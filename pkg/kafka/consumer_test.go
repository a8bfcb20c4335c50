package kafka

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	topic string
	calls atomic.Int64
	err   error
}

func (h *countingHandler) Topic() string { return h.topic }

func (h *countingHandler) Handle(_ context.Context, _ []byte) error {
	h.calls.Add(1)
	return h.err
}

func newTestConsumer(t *testing.T, opts ...ConsumerOption) *Consumer {
	t.Helper()
	base := []ConsumerOption{
		WithConsumerBrokers([]string{"127.0.0.1:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	}
	c, err := NewConsumer(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestHandleOneRetriesUpToMax(t *testing.T) {
	c := newTestConsumer(t)
	h := &countingHandler{topic: "trading.decisions", err: errors.New("transient")}

	c.handleOne(h, &message{topic: h.topic, km: kafka.Message{Partition: 0}})

	assert.Equal(t, int64(3), h.calls.Load(), "initial attempt plus RetryMax retries")
}

func TestHandleOneNonRetryableStopsImmediately(t *testing.T) {
	c := newTestConsumer(t, WithConsumerRetryable(func(error) bool { return false }))
	h := &countingHandler{topic: "trading.decisions", err: errors.New("malformed")}

	c.handleOne(h, &message{topic: h.topic, km: kafka.Message{Partition: 0}})

	assert.Equal(t, int64(1), h.calls.Load())
}

func TestHandleOneRecoversFromPanic(t *testing.T) {
	c := newTestConsumer(t)
	h := &panicHandler{}

	assert.NotPanics(t, func() {
		c.handleOne(h, &message{topic: "q", km: kafka.Message{Partition: 0}})
	})
}

type panicHandler struct{}

func (panicHandler) Topic() string { return "q" }
func (panicHandler) Handle(context.Context, []byte) error { panic("boom") }

func TestBackoffWithJitterStaysBounded(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(50*time.Millisecond, time.Second, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
