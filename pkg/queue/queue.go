// Package queue defines the event queue fabric: named, category-partitioned
// queues with at-least-once delivery, per-partition FIFO ordering, bounded
// retries and a dead-letter queue. Three backends implement the contract:
// kafka (durable broker), redis (list-backed) and memory (tests, dev).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known queue names. Analysis queues are per category.
const (
	QueueRaw        = "data.raw"
	QueueValidated  = "data.validated"
	QueueBreaking   = "data.breaking"
	QueueDecisions  = "trading.decisions"
	QueueExecution  = "trading.execution"
	QueueDeadLetter = "trading.dlq"
)

// AnalysisQueue returns the analysis queue name for one category.
func AnalysisQueue(category string) string {
	return "analysis." + category
}

// DefaultPartition is used when an item has no category affinity.
const DefaultPartition = "-"

// Envelope wraps a payload on the fabric with delivery bookkeeping.
// Partition is the ordering key: items sharing a partition are handled in
// publish order; across partitions there is no guarantee.
type Envelope struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Partition  string          `json:"partition"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// FailReason is set when the envelope lands on the dead-letter queue.
	FailReason string `json:"fail_reason,omitempty"`
}

// NewEnvelope marshals v into a fresh envelope for queue/partition.
func NewEnvelope(queue, partition string, v any) (*Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if partition == "" {
		partition = DefaultPartition
	}
	return &Envelope{
		ID:         uuid.NewString(),
		Queue:      queue,
		Partition:  partition,
		Payload:    b,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode envelope %s: %w", e.ID, err)
	}
	return nil
}

// Payload decodes an envelope payload into a value of type T.
func Payload[T any](e *Envelope) (*T, error) {
	var v T
	if err := e.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Handler consumes envelopes from a single queue.
type Handler interface {
	// Queue returns the queue this handler consumes.
	Queue() string
	// Handle processes one envelope. A nil return acknowledges the item.
	// Retryable errors requeue up to the fabric's retry max, then the item
	// moves to the dead-letter queue. Non-retryable errors dead-letter
	// immediately.
	Handle(ctx context.Context, env *Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, env *Envelope) error
}

func (h HandlerFunc) Queue() string { return h.Name }

func (h HandlerFunc) Handle(ctx context.Context, env *Envelope) error {
	return h.Fn(ctx, env)
}

// SubscribeConfig tunes one subscription. Each subscription is an
// independent consumer group: groups on the same queue each see every item,
// and each sizes its own worker budget. That keeps the breaking-path
// consumer from starving or blocking category consumers.
type SubscribeConfig struct {
	Group   string
	Workers int
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeConfig)

// WithGroup sets the consumer group name.
func WithGroup(group string) SubscribeOption {
	return func(c *SubscribeConfig) { c.Group = group }
}

// WithWorkers sets the worker pool size for the subscription.
func WithWorkers(n int) SubscribeOption {
	return func(c *SubscribeConfig) {
		if n > 0 {
			c.Workers = n
		}
	}
}

// Fabric is the queue fabric contract.
type Fabric interface {
	// Publish enqueues v on the named queue under a partition key.
	Publish(ctx context.Context, queue, partition string, v any) error
	// Subscribe registers a handler. Must be called before Start.
	Subscribe(h Handler, opts ...SubscribeOption) error
	// Start launches consumers; Stop drains them within ctx's deadline.
	Start() error
	Stop(ctx context.Context) error
}

// RetryPolicy bounds redelivery before dead-lettering.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy matches the fabric contract default of three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 100 * time.Millisecond}
}
