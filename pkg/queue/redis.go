package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"marketpulse/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Redis is a list-backed fabric. Each (queue, group, partition) triple is one
// list, consumed by a single worker, which gives per-partition FIFO. Publish
// fans each envelope out to every group subscribed to the queue, so multiple
// groups see every item, matching the memory and kafka backends. A queue with
// no subscribed groups drops publishes, as the memory backend does. Failed
// items park in a per-group retry sorted set and re-enter their list when
// due; exhausted items land on the shared dead-letter list.
type Redis struct {
	log        *logger.Logger
	client     *redis.Client
	retry      RetryPolicy
	retryable  func(error) bool
	keyPrefix  string
	partitions []string

	mu      sync.Mutex
	subs    []*redisSub
	groups  map[string][]string
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

type redisSub struct {
	handler Handler
	cfg     SubscribeConfig
}

// RedisOption configures Redis.
type RedisOption func(*Redis)

// WithRedisKeyPrefix sets a custom key prefix.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.keyPrefix = prefix }
}

// WithRedisRetryPolicy overrides the default retry policy.
func WithRedisRetryPolicy(p RetryPolicy) RedisOption {
	return func(r *Redis) { r.retry = p }
}

// WithRedisRetryableClassifier decides whether a handler error retries.
func WithRedisRetryableClassifier(fn func(error) bool) RedisOption {
	return func(r *Redis) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// NewRedis creates a redis fabric consuming the given partition keys.
func NewRedis(log *logger.Logger, client *redis.Client, partitions []string, opts ...RedisOption) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	if len(partitions) == 0 {
		partitions = []string{DefaultPartition}
	}
	r := &Redis{
		log:        log,
		client:     client,
		retry:      DefaultRetryPolicy(),
		retryable:  func(error) bool { return true },
		keyPrefix:  "marketpulse:fabric",
		partitions: append(append([]string{}, partitions...), DefaultPartition),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a consumer group for the handler's queue. Each group
// gets its own delivery lists; group names must be unique per queue.
func (r *Redis) Subscribe(h Handler, opts ...SubscribeOption) error {
	cfg := SubscribeConfig{Group: "default", Workers: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("subscribe after start")
	}
	for _, s := range r.subs {
		if s.handler.Queue() == h.Queue() && s.cfg.Group == cfg.Group {
			return fmt.Errorf("queue %s already has consumer group %s", h.Queue(), cfg.Group)
		}
	}
	r.subs = append(r.subs, &redisSub{handler: h, cfg: cfg})
	return nil
}

// Start pings redis and launches partition workers plus the retry mover.
func (r *Redis) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("fabric already started")
	}
	r.started = true
	subs := r.subs
	r.groups = make(map[string][]string, len(subs))
	for _, s := range subs {
		q := s.handler.Queue()
		r.groups[q] = append(r.groups[q], s.cfg.Group)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	for _, s := range subs {
		for _, part := range r.partitions {
			r.wg.Add(1)
			go r.partitionWorker(s, part)
		}
		r.wg.Add(1)
		go r.retryMover(s)
	}

	r.log.Info("redis fabric started",
		logger.Int("subscriptions", len(subs)),
		logger.Int("partitions", len(r.partitions)),
		logger.String("addr", r.client.Options().Addr))
	return nil
}

// Stop drains workers within ctx's deadline.
func (r *Redis) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		r.log.Warn("timeout waiting for fabric workers", logger.Error(ctx.Err()))
		return fmt.Errorf("fabric stop: %w", ctx.Err())
	case <-done:
		r.log.Info("redis fabric stopped")
		return nil
	}
}

// Publish enqueues v on the queue's partition list.
func (r *Redis) Publish(ctx context.Context, queue, partition string, v any) error {
	env, err := NewEnvelope(queue, partition, v)
	if err != nil {
		return err
	}
	return r.push(ctx, env)
}

// push fans the envelope out to every group subscribed to its queue.
func (r *Redis) push(ctx context.Context, env *Envelope) error {
	r.mu.Lock()
	started := r.started
	groups := r.groups[env.Queue]
	r.mu.Unlock()
	if !started {
		return fmt.Errorf("fabric not started")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	for _, g := range groups {
		if err := r.client.LPush(ctx, r.listKey(env.Queue, g, env.Partition), data).Err(); err != nil {
			return fmt.Errorf("lpush %s/%s: %w", env.Queue, g, err)
		}
	}
	return nil
}

// pushTo requeues the envelope on one group's list only.
func (r *Redis) pushTo(ctx context.Context, env *Envelope, group string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.LPush(ctx, r.listKey(env.Queue, group, env.Partition), data).Err(); err != nil {
		return fmt.Errorf("lpush %s/%s: %w", env.Queue, group, err)
	}
	return nil
}

func (r *Redis) partitionWorker(s *redisSub, partition string) {
	defer r.wg.Done()
	key := r.listKey(s.handler.Queue(), s.cfg.Group, partition)

	for {
		select {
		case <-r.stopCh:
			return
		default:
			r.popAndHandle(s, key)
		}
	}
}

func (r *Redis) popAndHandle(s *redisSub, key string) {
	result, err := r.client.BRPop(r.ctx, time.Second, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		r.log.Error("brpop error", logger.Error(err))
		time.Sleep(time.Second)
		return
	}
	if len(result) < 2 {
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		r.log.Error("unmarshal envelope", logger.Error(err))
		return
	}

	if err := s.handler.Handle(r.ctx, &env); err != nil {
		if errors.Is(err, context.Canceled) {
			// shutdown in flight; put it back for the next run
			_ = r.pushTo(context.Background(), &env, s.cfg.Group)
			return
		}
		r.handleFailure(s, &env, err)
	}
}

func (r *Redis) handleFailure(s *redisSub, env *Envelope, cause error) {
	env.Attempts++
	r.log.Error("envelope processing error",
		logger.String("id", env.ID),
		logger.String("queue", env.Queue),
		logger.Int("attempt", env.Attempts),
		logger.Error(cause))

	if !r.retryable(cause) || env.Attempts >= r.retry.MaxAttempts {
		r.deadLetter(env, cause)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		r.log.Error("marshal retry", logger.Error(err))
		return
	}
	due := time.Now().Add(r.retry.Backoff * time.Duration(env.Attempts))
	if err := r.client.ZAdd(context.Background(), r.retryKey(s.handler.Queue(), s.cfg.Group), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err(); err != nil {
		r.log.Error("zadd retry", logger.Error(err))
	}
}

func (r *Redis) deadLetter(env *Envelope, cause error) {
	env.FailReason = cause.Error()
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Error("marshal dlq", logger.Error(err))
		return
	}
	if err := r.client.LPush(context.Background(), r.dlqKey(), data).Err(); err != nil {
		r.log.Error("lpush dlq", logger.Error(err))
		return
	}
	r.log.Warn("envelope dead-lettered",
		logger.String("id", env.ID),
		logger.String("queue", env.Queue),
		logger.String("reason", env.FailReason))
}

// retryMover re-enqueues due retry entries back onto their partition list.
func (r *Redis) retryMover(s *redisSub) {
	defer r.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.moveDueRetries(s)
		}
	}
}

func (r *Redis) moveDueRetries(s *redisSub) {
	key := r.retryKey(s.handler.Queue(), s.cfg.Group)
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	entries, err := r.client.ZRangeByScore(r.ctx, key, &redis.ZRangeBy{Min: "0", Max: now}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.Error("fetch retry entries", logger.Error(err))
		}
		return
	}

	for _, raw := range entries {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			_ = r.client.ZRem(r.ctx, key, raw).Err()
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(r.ctx, key, raw)
		pipe.LPush(r.ctx, r.listKey(env.Queue, s.cfg.Group, env.Partition), raw)
		if _, err := pipe.Exec(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("move retry to queue", logger.Error(err))
		}
	}
}

func (r *Redis) listKey(queue, group, partition string) string {
	return fmt.Sprintf("%s:%s:%s:%s", r.keyPrefix, queue, group, partition)
}

func (r *Redis) retryKey(queue, group string) string {
	return fmt.Sprintf("%s:%s:%s:retry", r.keyPrefix, queue, group)
}

func (r *Redis) dlqKey() string {
	return fmt.Sprintf("%s:dlq", r.keyPrefix)
}
