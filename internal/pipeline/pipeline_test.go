package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	"marketpulse/internal/repository"
	"marketpulse/pkg/logger"
	"marketpulse/pkg/metrics"
	"marketpulse/pkg/queue"
)

func managerConfig(profiles map[models.Category]models.RiskProfile) ManagerConfig {
	return ManagerConfig{
		Researcher: testResearcherConfig(),
		Workers:    2,
		MaxSize:    0.25,
		Profiles:   profiles,
	}
}

func TestNewManagerHaltsUnprofiledCategories(t *testing.T) {
	store := repository.NewMemoryStore()
	profiles := map[models.Category]models.RiskProfile{
		models.CategorySports: {Category: models.CategorySports, VolatilityFactor: 1, MaxPositionFraction: 0.08},
	}

	m, err := NewManager(managerConfig(profiles), queue.NewMemory(), store, store,
		LocalCapabilities{}, metrics.Nop{}, logger.Nop())
	require.NoError(t, err)
	require.Len(t, m.analysts, 1)
	assert.Equal(t, models.CategorySports, m.analysts[0].category)
}

func TestNewManagerFailsWithNoProfiles(t *testing.T) {
	store := repository.NewMemoryStore()

	_, err := NewManager(managerConfig(nil), queue.NewMemory(), store, store,
		LocalCapabilities{}, metrics.Nop{}, logger.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatalConfig)
}

func TestManagerRegisterSubscribesAllPipelines(t *testing.T) {
	store := repository.NewMemoryStore()
	profiles := map[models.Category]models.RiskProfile{
		models.CategorySports:    {Category: models.CategorySports, VolatilityFactor: 1, MaxPositionFraction: 0.08},
		models.CategoryPolitical: {Category: models.CategoryPolitical, VolatilityFactor: 1.2, MaxPositionFraction: 0.10},
	}
	fabric := queue.NewMemory()

	m, err := NewManager(managerConfig(profiles), fabric, store, store,
		LocalCapabilities{}, metrics.Nop{}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Register(fabric, 2))

	// Registering twice collides on consumer group names.
	assert.Error(t, m.Register(fabric, 2))
}

func TestLimitedEnforcesTimeout(t *testing.T) {
	slow := slowCaps{delay: 200 * time.Millisecond}
	limited := Limit(slow, 100, 100, 20*time.Millisecond)

	_, err := limited.Summarize(t.Context(), models.CategorySports, nil)
	require.Error(t, err)
}

func TestLimitedPassesThrough(t *testing.T) {
	limited := Limit(LocalCapabilities{}, 100, 100, time.Second)

	out, err := limited.Summarize(t.Context(), models.CategorySports, []models.Event{
		{Source: "wire", Payload: "x"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "sports")
}

type slowCaps struct {
	LocalCapabilities
	delay time.Duration
}

func (s slowCaps) Summarize(ctx context.Context, c models.Category, events []models.Event) (string, error) {
	select {
	case <-time.After(s.delay):
		return s.LocalCapabilities.Summarize(ctx, c, events)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
