package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process fabric backend. It honors the full contract
// (per-partition FIFO, retry-then-dead-letter, independent consumer groups)
// without a broker, so it serves tests and single-node development runs.
// Durability across restarts requires the kafka or redis backend.
type Memory struct {
	retry     RetryPolicy
	retryable func(error) bool
	onDead    func(*Envelope)

	mu      sync.Mutex
	subs    map[string][]*memSub
	dead    []*Envelope
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type memSub struct {
	handler Handler
	cfg     SubscribeConfig
	parts   map[string]chan *Envelope
	// budget caps in-flight handlers for this group so one subscription
	// cannot monopolize the process.
	budget chan struct{}
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) MemoryOption {
	return func(m *Memory) { m.retry = p }
}

// WithRetryableClassifier decides whether a handler error is retryable.
// Non-retryable errors dead-letter immediately.
func WithRetryableClassifier(fn func(error) bool) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.retryable = fn
		}
	}
}

// WithDeadLetterCallback is invoked for every dead-lettered envelope, after
// it has been recorded. Dead-lettered items are reported, never dropped.
func WithDeadLetterCallback(fn func(*Envelope)) MemoryOption {
	return func(m *Memory) { m.onDead = fn }
}

// NewMemory creates an in-memory fabric.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		retry:     DefaultRetryPolicy(),
		retryable: func(error) bool { return true },
		subs:      make(map[string][]*memSub),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers a handler under its own consumer group.
func (m *Memory) Subscribe(h Handler, opts ...SubscribeOption) error {
	cfg := SubscribeConfig{Group: "default", Workers: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("subscribe after start")
	}
	for _, s := range m.subs[h.Queue()] {
		if s.cfg.Group == cfg.Group {
			return fmt.Errorf("group %q already subscribed to %s", cfg.Group, h.Queue())
		}
	}
	m.subs[h.Queue()] = append(m.subs[h.Queue()], &memSub{
		handler: h,
		cfg:     cfg,
		parts:   make(map[string]chan *Envelope),
		budget:  make(chan struct{}, cfg.Workers),
	})
	return nil
}

// Start begins dispatching. Partition workers spawn lazily on first publish.
func (m *Memory) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("fabric already started")
	}
	m.started = true
	return nil
}

// Stop drains workers. Items still queued remain in their channels; a
// restarted fabric would need the durable backends to recover them.
func (m *Memory) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fabric stop: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Publish enqueues v for every group subscribed to the queue.
func (m *Memory) Publish(ctx context.Context, queue, partition string, v any) error {
	env, err := NewEnvelope(queue, partition, v)
	if err != nil {
		return err
	}
	return m.deliver(ctx, env)
}

func (m *Memory) deliver(ctx context.Context, env *Envelope) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("fabric not running")
	}
	subs := m.subs[env.Queue]
	chans := make([]chan *Envelope, 0, len(subs))
	for _, s := range subs {
		chans = append(chans, m.partitionChan(s, env.Partition))
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return fmt.Errorf("fabric stopping")
		}
	}
	return nil
}

// partitionChan lazily creates the FIFO channel and worker for one
// (group, partition) pair. Caller holds m.mu.
func (m *Memory) partitionChan(s *memSub, partition string) chan *Envelope {
	ch, ok := s.parts[partition]
	if ok {
		return ch
	}
	ch = make(chan *Envelope, 1024)
	s.parts[partition] = ch
	m.wg.Add(1)
	go m.partitionWorker(s, ch)
	return ch
}

// partitionWorker handles one partition strictly in order. Retries happen
// in place so a retrying item never reorders behind its successors.
func (m *Memory) partitionWorker(s *memSub, ch chan *Envelope) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case env := <-ch:
			select {
			case s.budget <- struct{}{}:
			case <-m.stopCh:
				return
			}
			m.handleWithRetry(s, env)
			<-s.budget
		}
	}
}

func (m *Memory) handleWithRetry(s *memSub, env *Envelope) {
	for {
		ctx, cancel := context.WithCancel(context.Background())
		stopWatch := make(chan struct{})
		go func() {
			select {
			case <-m.stopCh:
				cancel()
			case <-stopWatch:
			}
		}()
		err := s.handler.Handle(ctx, env)
		close(stopWatch)
		cancel()

		if err == nil {
			return
		}
		env.Attempts++
		if !m.retryable(err) || env.Attempts >= m.retry.MaxAttempts {
			m.deadLetter(env, err)
			return
		}
		select {
		case <-time.After(m.retry.Backoff * time.Duration(env.Attempts)):
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) deadLetter(env *Envelope, cause error) {
	copied := *env
	copied.FailReason = cause.Error()

	m.mu.Lock()
	m.dead = append(m.dead, &copied)
	subs := m.subs[QueueDeadLetter]
	chans := make([]chan *Envelope, 0, len(subs))
	if env.Queue != QueueDeadLetter { // no dead-letter loops
		for _, s := range subs {
			chans = append(chans, m.partitionChan(s, env.Partition))
		}
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- &copied:
		case <-m.stopCh:
		}
	}
	if m.onDead != nil {
		m.onDead(&copied)
	}
}

// DeadLetters returns a snapshot of every dead-lettered envelope.
func (m *Memory) DeadLetters() []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Envelope, len(m.dead))
	copy(out, m.dead)
	return out
}
