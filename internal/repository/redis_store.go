package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
)

const (
	dedupPrefix   = "marketpulse:dedup:"
	summaryPrefix = "marketpulse:summary:"
)

// RedisStore implements DedupIndex and SummaryCache on one redis client.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// MarkSeen uses SET NX so the check and the record are one round trip.
// Returns true when the hash was already present.
func (s *RedisStore) MarkSeen(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, dedupPrefix+hash, 1, ttl).Result()
	if err != nil {
		return false, domain.Transient(fmt.Errorf("dedup mark: %w", err))
	}
	return !ok, nil
}

func (s *RedisStore) Summary(ctx context.Context, c models.Category) (string, error) {
	v, err := s.client.Get(ctx, summaryPrefix+string(c)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", domain.Transient(fmt.Errorf("get summary: %w", err))
	}
	return v, nil
}

func (s *RedisStore) SetSummary(ctx context.Context, c models.Category, summary string, ttl time.Duration) error {
	if err := s.client.Set(ctx, summaryPrefix+string(c), summary, ttl).Err(); err != nil {
		return domain.Transient(fmt.Errorf("set summary: %w", err))
	}
	return nil
}

// MemoryStore is an in-process DedupIndex and SummaryCache for tests and
// the memory backend. TTLs are honored lazily on read.
type MemoryStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	summaries map[models.Category]summaryEntry
}

type summaryEntry struct {
	value   string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:      make(map[string]time.Time),
		summaries: make(map[models.Category]summaryEntry),
	}
}

func (m *MemoryStore) MarkSeen(_ context.Context, hash string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if exp, ok := m.seen[hash]; ok && now.Before(exp) {
		return true, nil
	}
	m.seen[hash] = now.Add(ttl)
	return false, nil
}

func (m *MemoryStore) Summary(_ context.Context, c models.Category) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.summaries[c]
	if !ok || time.Now().After(e.expires) {
		return "", nil
	}
	return e.value, nil
}

func (m *MemoryStore) SetSummary(_ context.Context, c models.Category, summary string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[c] = summaryEntry{value: summary, expires: time.Now().Add(ttl)}
	return nil
}

var (
	_ domrepo.DedupIndex   = (*RedisStore)(nil)
	_ domrepo.SummaryCache = (*RedisStore)(nil)
	_ domrepo.DedupIndex   = (*MemoryStore)(nil)
	_ domrepo.SummaryCache = (*MemoryStore)(nil)
)
