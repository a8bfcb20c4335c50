package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"marketpulse/pkg/kafka"
)

// Kafka adapts the kafka producer/consumer pair to the Fabric contract.
// Queue names map to topics, partition keys to message keys (the producer's
// hash balancer pins a key to one broker partition), and each subscription
// becomes its own consumer group so groups never contend for messages or
// workers.
type Kafka struct {
	brokers   []string
	producer  *kafka.Producer
	retry     RetryPolicy
	retryable func(error) bool

	mu        sync.Mutex
	consumers []*kafka.Consumer
	started   bool
}

// KafkaOption configures the kafka fabric.
type KafkaOption func(*Kafka)

// WithKafkaRetryPolicy overrides the default retry policy.
func WithKafkaRetryPolicy(p RetryPolicy) KafkaOption {
	return func(k *Kafka) { k.retry = p }
}

// WithKafkaRetryableClassifier decides whether a handler error retries.
func WithKafkaRetryableClassifier(fn func(error) bool) KafkaOption {
	return func(k *Kafka) {
		if fn != nil {
			k.retryable = fn
		}
	}
}

// NewKafka creates a kafka-backed fabric.
func NewKafka(brokers []string, producer *kafka.Producer, opts ...KafkaOption) *Kafka {
	k := &Kafka{
		brokers:   brokers,
		producer:  producer,
		retry:     DefaultRetryPolicy(),
		retryable: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Publish enqueues v on the topic, keyed by partition.
func (k *Kafka) Publish(ctx context.Context, queueName, partition string, v any) error {
	env, err := NewEnvelope(queueName, partition, v)
	if err != nil {
		return err
	}
	return k.producer.Publish(ctx, queueName, []byte(env.Partition), env)
}

// Subscribe creates a dedicated consumer group for the handler.
func (k *Kafka) Subscribe(h Handler, opts ...SubscribeOption) error {
	cfg := SubscribeConfig{Group: "default", Workers: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("subscribe after start")
	}

	consumer, err := kafka.NewConsumer(
		kafka.WithConsumerBrokers(k.brokers),
		kafka.WithConsumerGroupID(cfg.Group),
		kafka.WithConsumerWorkers(cfg.Workers),
		kafka.WithConsumerRetry(k.retry.MaxAttempts-1, k.retry.Backoff, 2*time.Second),
		kafka.WithConsumerDLQ(QueueDeadLetter),
		kafka.WithConsumerRetryable(k.retryable),
	)
	if err != nil {
		return fmt.Errorf("kafka consumer for %s: %w", h.Queue(), err)
	}
	consumer.RegisterHandler(&envelopeHandler{inner: h})
	k.consumers = append(k.consumers, consumer)
	return nil
}

// Start launches every consumer group.
func (k *Kafka) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("fabric already started")
	}
	k.started = true
	for _, c := range k.consumers {
		if err := c.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains consumers and closes the producer.
func (k *Kafka) Stop(ctx context.Context) error {
	k.mu.Lock()
	consumers := k.consumers
	k.mu.Unlock()

	var firstErr error
	for _, c := range consumers {
		if err := c.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := k.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// envelopeHandler bridges the byte-level kafka handler to Fabric handlers.
type envelopeHandler struct {
	inner Handler
}

func (h *envelopeHandler) Topic() string { return h.inner.Queue() }

func (h *envelopeHandler) Handle(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	return h.inner.Handle(ctx, &env)
}
