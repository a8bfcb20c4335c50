package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain/models"
)

func TestMemoryStoreMarkSeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	dup, err := s.MarkSeen(ctx, "h1", time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = s.MarkSeen(ctx, "h1", time.Hour)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = s.MarkSeen(ctx, "h2", time.Hour)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestMemoryStoreMarkSeenExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.MarkSeen(ctx, "h1", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	dup, err := s.MarkSeen(ctx, "h1", time.Hour)
	require.NoError(t, err)
	assert.False(t, dup, "expired hashes are fresh again")
}

func TestMemoryStoreSummaryRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.Summary(ctx, models.CategorySports)
	require.NoError(t, err)
	assert.Empty(t, got, "missing summaries read as empty, not as an error")

	require.NoError(t, s.SetSummary(ctx, models.CategorySports, "cup week", time.Hour))
	got, err = s.Summary(ctx, models.CategorySports)
	require.NoError(t, err)
	assert.Equal(t, "cup week", got)

	// Other categories are untouched.
	got, err = s.Summary(ctx, models.CategoryMisc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreSummaryExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetSummary(ctx, models.CategorySports, "stale soon", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	got, err := s.Summary(ctx, models.CategorySports)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryExecutionLogRecentClampsLimit(t *testing.T) {
	log := NewMemoryExecutionLog()
	ctx := context.Background()
	require.NoError(t, log.Append(ctx, &models.ExecutionRecord{DecisionID: "d-1"}))

	recs, err := log.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = log.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryExecutionLogCopiesOnAppend(t *testing.T) {
	log := NewMemoryExecutionLog()
	ctx := context.Background()
	rec := &models.ExecutionRecord{DecisionID: "d-1", Outcome: models.VerdictApproved}
	require.NoError(t, log.Append(ctx, rec))

	rec.Outcome = models.VerdictRejected

	recs, err := log.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.VerdictApproved, recs[0].Outcome, "the log stores a copy")
}
