package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	name string
	fn   func(ctx context.Context, env *Envelope) error

	mu   sync.Mutex
	seen []*Envelope
}

func (h *recordingHandler) Queue() string { return h.name }

func (h *recordingHandler) Handle(ctx context.Context, env *Envelope) error {
	h.mu.Lock()
	h.seen = append(h.seen, env)
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, env)
	}
	return nil
}

func (h *recordingHandler) envelopes() []*Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Envelope, len(h.seen))
	copy(out, h.seen)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func stopFabric(t *testing.T, m *Memory) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
}

func TestMemoryDeliversInPartitionOrder(t *testing.T) {
	m := NewMemory()
	h := &recordingHandler{name: "q"}
	require.NoError(t, m.Subscribe(h, WithGroup("g"), WithWorkers(4)))
	require.NoError(t, m.Start())
	defer stopFabric(t, m)

	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, m.Publish(ctx, "q", "p1", map[string]int{"seq": i}))
	}

	waitFor(t, func() bool { return len(h.envelopes()) == n })

	for i, env := range h.envelopes() {
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, env.Decode(&payload))
		assert.Equal(t, i, payload.Seq)
	}
}

func TestMemoryPartitionsAreIndependent(t *testing.T) {
	m := NewMemory(WithRetryPolicy(RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond}))
	// p1 items always fail; p2 must keep flowing regardless.
	h := &recordingHandler{name: "q", fn: func(_ context.Context, env *Envelope) error {
		if env.Partition == "p1" {
			return errors.New("boom")
		}
		return nil
	}}
	require.NoError(t, m.Subscribe(h, WithGroup("g"), WithWorkers(2)))
	require.NoError(t, m.Start())
	defer stopFabric(t, m)

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, "q", "p1", "bad"))
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Publish(ctx, "q", "p2", i))
	}

	waitFor(t, func() bool {
		ok := 0
		for _, env := range h.envelopes() {
			if env.Partition == "p2" {
				ok++
			}
		}
		return ok == 10
	})
}

func TestMemoryEachGroupSeesEveryItem(t *testing.T) {
	m := NewMemory()
	a := &recordingHandler{name: "q"}
	b := &recordingHandler{name: "q"}
	require.NoError(t, m.Subscribe(a, WithGroup("ga")))
	require.NoError(t, m.Subscribe(b, WithGroup("gb")))
	require.NoError(t, m.Start())
	defer stopFabric(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Publish(ctx, "q", "p", i))
	}

	waitFor(t, func() bool { return len(a.envelopes()) == 5 && len(b.envelopes()) == 5 })
}

func TestMemoryDuplicateGroupRejected(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Subscribe(&recordingHandler{name: "q"}, WithGroup("g")))
	err := m.Subscribe(&recordingHandler{name: "q"}, WithGroup("g"))
	assert.Error(t, err)
}

func TestMemoryRetriesThenDeadLetters(t *testing.T) {
	dead := make(chan *Envelope, 1)
	m := NewMemory(
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}),
		WithDeadLetterCallback(func(env *Envelope) { dead <- env }),
	)
	h := &recordingHandler{name: "q", fn: func(context.Context, *Envelope) error {
		return errors.New("transient failure")
	}}
	require.NoError(t, m.Subscribe(h, WithGroup("g")))
	require.NoError(t, m.Start())
	defer stopFabric(t, m)

	require.NoError(t, m.Publish(context.Background(), "q", "p", "item"))

	select {
	case env := <-dead:
		assert.Equal(t, 3, env.Attempts)
		assert.Contains(t, env.FailReason, "transient failure")
	case <-time.After(5 * time.Second):
		t.Fatal("item never dead-lettered")
	}
	assert.Len(t, h.envelopes(), 3)
	assert.Len(t, m.DeadLetters(), 1)
}

func TestMemoryNonRetryableDeadLettersImmediately(t *testing.T) {
	marker := errors.New("malformed")
	m := NewMemory(
		WithRetryPolicy(RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond}),
		WithRetryableClassifier(func(err error) bool { return !errors.Is(err, marker) }),
	)
	h := &recordingHandler{name: "q", fn: func(context.Context, *Envelope) error {
		return fmt.Errorf("decode: %w", marker)
	}}
	require.NoError(t, m.Subscribe(h, WithGroup("g")))
	require.NoError(t, m.Start())
	defer stopFabric(t, m)

	require.NoError(t, m.Publish(context.Background(), "q", "p", "item"))

	waitFor(t, func() bool { return len(m.DeadLetters()) == 1 })
	assert.Len(t, h.envelopes(), 1, "non-retryable errors must not retry")
}

func TestMemoryDeadLetterQueueIsConsumable(t *testing.T) {
	m := NewMemory(WithRetryPolicy(RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond}))
	failing := &recordingHandler{name: "q", fn: func(context.Context, *Envelope) error {
		return errors.New("no good")
	}}
	dlq := &recordingHandler{name: QueueDeadLetter}
	require.NoError(t, m.Subscribe(failing, WithGroup("g")))
	require.NoError(t, m.Subscribe(dlq, WithGroup("dlq")))
	require.NoError(t, m.Start())
	defer stopFabric(t, m)

	require.NoError(t, m.Publish(context.Background(), "q", "p", "item"))

	waitFor(t, func() bool { return len(dlq.envelopes()) == 1 })
	env := dlq.envelopes()[0]
	assert.Equal(t, "q", env.Queue)
	assert.NotEmpty(t, env.FailReason)
}

func TestMemoryPublishBeforeStartFails(t *testing.T) {
	m := NewMemory()
	err := m.Publish(context.Background(), "q", "p", "item")
	assert.Error(t, err)
}

func TestMemorySubscribeAfterStartFails(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Start())
	defer stopFabric(t, m)
	err := m.Subscribe(&recordingHandler{name: "q"}, WithGroup("g"))
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	env, err := NewEnvelope("q", "", payload{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPartition, env.Partition)
	assert.NotEmpty(t, env.ID)

	got, err := Payload[payload](env)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
}
