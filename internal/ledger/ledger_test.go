package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	"marketpulse/internal/repository"
	"marketpulse/internal/risk"
	"marketpulse/pkg/logger"
	"marketpulse/pkg/metrics"
)

func testProfiles() map[models.Category]models.RiskProfile {
	return map[models.Category]models.RiskProfile{
		models.CategoryPolitical: {Category: models.CategoryPolitical, VolatilityFactor: 1.2, MaxPositionFraction: 0.10},
		models.CategorySports:    {Category: models.CategorySports, VolatilityFactor: 1.0, MaxPositionFraction: 0.08},
		models.CategoryEconomic:  {Category: models.CategoryEconomic, VolatilityFactor: 1.4, MaxPositionFraction: 0.12},
		models.CategoryMisc:      {Category: models.CategoryMisc, VolatilityFactor: 1.5, MaxPositionFraction: 0.05},
	}
}

func newTestLedger() *Ledger {
	return New(testProfiles(), risk.DefaultLimits(),
		repository.NewMemoryExecutionLog(), metrics.Nop{}, logger.Nop())
}

func approvedVerdict(d *models.Decision, size float64) *models.RiskVerdict {
	return &models.RiskVerdict{
		DecisionID:   d.ID,
		Outcome:      models.VerdictApproved,
		AdjustedSize: size,
		EvaluatedAt:  time.Now().UTC(),
	}
}

func buy(id, market string, c models.Category, size float64) *models.Decision {
	return &models.Decision{
		ID:           id,
		Category:     c,
		Direction:    models.DirectionBuy,
		MarketID:     market,
		ProposedSize: size,
	}
}

func sell(id, market string, c models.Category, size float64) *models.Decision {
	d := buy(id, market, c, size)
	d.Direction = models.DirectionSell
	return d
}

func TestApplyOpensPosition(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()
	d := buy("d-1", "mkt-1", models.CategorySports, 0.04)

	rec, err := lg.Apply(ctx, d, approvedVerdict(d, 0.04), lg.Snapshot().Version)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerdictApproved, rec.Outcome)
	assert.InDelta(t, 0.04, rec.Size, 1e-12)
	require.NotNil(t, rec.Position)
	assert.InDelta(t, 0.04, rec.Position.Size, 1e-12)

	state := lg.Snapshot()
	assert.Equal(t, 1, state.OpenPositions)
	assert.InDelta(t, 0.04, state.Exposure(models.CategorySports), 1e-12)
	assert.InDelta(t, 0.04, state.TotalExposure, 1e-12)
}

func TestApplyIsIdempotentByDecisionID(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()
	d := buy("d-1", "mkt-1", models.CategorySports, 0.04)

	first, err := lg.Apply(ctx, d, approvedVerdict(d, 0.04), lg.Snapshot().Version)
	require.NoError(t, err)
	afterFirst := lg.Snapshot()

	// A redelivered decision returns the original record without mutating.
	second, err := lg.Apply(ctx, d, approvedVerdict(d, 0.04), afterFirst.Version)
	require.NoError(t, err)
	assert.Same(t, first, second)

	afterSecond := lg.Snapshot()
	assert.Equal(t, afterFirst.Version, afterSecond.Version)
	assert.InDelta(t, afterFirst.TotalExposure, afterSecond.TotalExposure, 1e-12)
}

func TestApplyStaleVersionConflicts(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()
	stale := lg.Snapshot().Version

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.02)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.02), stale)
	require.NoError(t, err)

	d2 := buy("d-2", "mkt-2", models.CategorySports, 0.02)
	_, err = lg.Apply(ctx, d2, approvedVerdict(d2, 0.02), stale)
	require.ErrorIs(t, err, domain.ErrLedgerConflict)

	// A retry with the fresh version succeeds.
	rec, err := lg.Apply(ctx, d2, approvedVerdict(d2, 0.02), lg.Snapshot().Version)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApproved, rec.Outcome)
}

func TestApplyRevalidatesHeadroom(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.06)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.06), lg.Snapshot().Version)
	require.NoError(t, err)

	// Only 0.02 headroom remains under the 0.08 sports cap; the commit
	// clamps rather than overshooting.
	d2 := buy("d-2", "mkt-2", models.CategorySports, 0.05)
	rec, err := lg.Apply(ctx, d2, approvedVerdict(d2, 0.05), lg.Snapshot().Version)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApproved, rec.Outcome)
	assert.InDelta(t, 0.02, rec.Size, 1e-12)

	state := lg.Snapshot()
	assert.InDelta(t, 0.08, state.Exposure(models.CategorySports), 1e-12)
}

func TestApplyZeroHeadroomCommitsRejection(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.08)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.08), lg.Snapshot().Version)
	require.NoError(t, err)

	d2 := buy("d-2", "mkt-2", models.CategorySports, 0.01)
	rec, err := lg.Apply(ctx, d2, approvedVerdict(d2, 0.01), lg.Snapshot().Version)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRejected, rec.Outcome)
	assert.Zero(t, rec.Size)
	assert.Contains(t, rec.Reasons, models.ReasonCategoryExposure)

	assert.Equal(t, 1, lg.Snapshot().OpenPositions)
}

func TestSellClosesAndRealizesPnL(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.04)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.04), lg.Snapshot().Version)
	require.NoError(t, err)

	// Mark up 10%: unrealized PnL = 0.04 * 0.10 = 0.004.
	lg.SetMark("mkt-1", 1.10)
	state := lg.Snapshot()
	assert.InDelta(t, 0.004, state.DailyPnL, 1e-9)

	d2 := sell("d-2", "mkt-1", models.CategorySports, 0.04)
	rec, err := lg.Apply(ctx, d2, approvedVerdict(d2, 0.04), state.Version)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApproved, rec.Outcome)
	assert.Nil(t, rec.Position)

	state = lg.Snapshot()
	assert.Equal(t, 0, state.OpenPositions)
	assert.Zero(t, state.TotalExposure)
	// The gain is realized and stays in the daily window.
	assert.InDelta(t, 0.004, state.DailyPnL, 1e-9)
	assert.InDelta(t, 0.004, state.WeeklyPnL, 1e-9)
}

func TestPartialSellRealizesClosedFraction(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.04)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.04), lg.Snapshot().Version)
	require.NoError(t, err)
	lg.SetMark("mkt-1", 1.20)

	d2 := sell("d-2", "mkt-1", models.CategorySports, 0.01)
	_, err = lg.Apply(ctx, d2, approvedVerdict(d2, 0.01), lg.Snapshot().Version)
	require.NoError(t, err)

	state := lg.Snapshot()
	assert.Equal(t, 1, state.OpenPositions)
	assert.InDelta(t, 0.03, state.TotalExposure, 1e-12)
	// 0.01 closed at +20% realized, 0.03 still open at +20% unrealized.
	assert.InDelta(t, 0.002+0.006, state.DailyPnL, 1e-9)
}

func TestSellNeverOpensShort(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.02)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.02), lg.Snapshot().Version)
	require.NoError(t, err)

	// Selling more than held closes the position and stops at zero.
	d2 := sell("d-2", "mkt-1", models.CategorySports, 0.05)
	rec, err := lg.Apply(ctx, d2, approvedVerdict(d2, 0.05), lg.Snapshot().Version)
	require.NoError(t, err)
	assert.Nil(t, rec.Position)

	state := lg.Snapshot()
	assert.Equal(t, 0, state.OpenPositions)
	assert.Zero(t, state.TotalExposure)
	assert.Empty(t, lg.Positions())
}

func TestRejectNeverTouchesPositions(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()
	before := lg.Snapshot()

	d := buy("d-1", "mkt-1", models.CategorySports, 0.04)
	v := &models.RiskVerdict{
		DecisionID: d.ID,
		Outcome:    models.VerdictRejected,
		Reasons:    []string{models.ReasonPositionSizeCap},
	}
	rec, err := lg.Reject(ctx, d, v)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRejected, rec.Outcome)

	after := lg.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 0, after.OpenPositions)

	// The rejection is idempotent too.
	again, err := lg.Reject(ctx, d, v)
	require.NoError(t, err)
	assert.Same(t, rec, again)
}

func TestApplyNonApprovedVerdictRoutesToReject(t *testing.T) {
	lg := newTestLedger()
	d := buy("d-1", "mkt-1", models.CategorySports, 0.04)
	v := &models.RiskVerdict{DecisionID: d.ID, Outcome: models.VerdictRejected}

	rec, err := lg.Apply(context.Background(), d, v, 0)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRejected, rec.Outcome)
	assert.Equal(t, 0, lg.Snapshot().OpenPositions)
}

func TestApplyRejectsDuringLossHalt(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.04)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.04), lg.Snapshot().Version)
	require.NoError(t, err)

	// Drive the daily window past the -2% halt.
	lg.SetMark("mkt-1", 0.40)
	state := lg.Snapshot()
	require.Less(t, state.DailyPnL, -0.02)

	d2 := buy("d-2", "mkt-2", models.CategoryEconomic, 0.01)
	rec, err := lg.Apply(ctx, d2, approvedVerdict(d2, 0.01), state.Version)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRejected, rec.Outcome)
	assert.Contains(t, rec.Reasons, models.ReasonDailyLossLimit)
}

func TestWindowRollClearsRealizedPnL(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()

	base := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC) // Wednesday
	lg.now = func() time.Time { return base }
	lg.dayStart = risk.DayStart(base)
	lg.weekStart = risk.WeekStart(base)

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.04)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.04), lg.Snapshot().Version)
	require.NoError(t, err)
	lg.SetMark("mkt-1", 0.50)
	d2 := sell("d-2", "mkt-1", models.CategorySports, 0.04)
	_, err = lg.Apply(ctx, d2, approvedVerdict(d2, 0.04), lg.Snapshot().Version)
	require.NoError(t, err)

	state := lg.Snapshot()
	assert.InDelta(t, -0.02, state.DailyPnL, 1e-9)
	assert.InDelta(t, -0.02, state.WeeklyPnL, 1e-9)

	// Next UTC day, same ISO week: the daily window resets, the weekly keeps.
	lg.now = func() time.Time { return base.AddDate(0, 0, 1) }
	state = lg.Snapshot()
	assert.Zero(t, state.DailyPnL)
	assert.InDelta(t, -0.02, state.WeeklyPnL, 1e-9)

	// Following Monday both windows are clean again.
	lg.now = func() time.Time { return time.Date(2025, 3, 17, 1, 0, 0, 0, time.UTC) }
	state = lg.Snapshot()
	assert.Zero(t, state.DailyPnL)
	assert.Zero(t, state.WeeklyPnL)
}

func TestConcurrentAppliesSameMarketSerialize(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := buy(fmt.Sprintf("d-%d", i), "mkt-1", models.CategorySports, 0.001)
			for {
				v := approvedVerdict(d, 0.001)
				_, err := lg.Apply(ctx, d, v, lg.Snapshot().Version)
				if err == nil {
					return
				}
				if !assert.ErrorIs(t, err, domain.ErrLedgerConflict) {
					errs[i] = err
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	state := lg.Snapshot()
	assert.Equal(t, 1, state.OpenPositions)
	assert.InDelta(t, float64(n)*0.001, state.Exposure(models.CategorySports), 1e-9)
}

// TestExposureNeverExceedsCap drives random approved buys and sells through
// the ledger and checks the cap invariant after every commit.
func TestExposureNeverExceedsCap(t *testing.T) {
	lg := newTestLedger()
	ctx := context.Background()
	profiles := testProfiles()
	categories := models.Categories()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		c := categories[rng.Intn(len(categories))]
		market := fmt.Sprintf("%s-%d", c, rng.Intn(3))
		size := rng.Float64() * 0.06
		var d *models.Decision
		if rng.Intn(3) == 0 {
			d = sell(fmt.Sprintf("d-%d", i), market, c, size)
		} else {
			d = buy(fmt.Sprintf("d-%d", i), market, c, size)
		}

		_, err := lg.Apply(ctx, d, approvedVerdict(d, size), lg.Snapshot().Version)
		require.NoError(t, err)

		state := lg.Snapshot()
		for cat, exp := range state.CategoryExposure {
			limit := profiles[cat].MaxPositionFraction
			assert.LessOrEqual(t, exp, limit+1e-9,
				"category %s exposure %f over cap %f at step %d", cat, exp, limit, i)
		}
	}
}

func TestSetMarkIgnoresUnknownAndInvalid(t *testing.T) {
	lg := newTestLedger()
	before := lg.Snapshot()

	lg.SetMark("nope", 1.5)
	lg.SetMark("nope", -1)

	after := lg.Snapshot()
	assert.Equal(t, before.Version, after.Version)
}

func TestExecutionLogRecordsEveryOutcome(t *testing.T) {
	log := repository.NewMemoryExecutionLog()
	lg := New(testProfiles(), risk.DefaultLimits(), log, metrics.Nop{}, logger.Nop())
	ctx := context.Background()

	d1 := buy("d-1", "mkt-1", models.CategorySports, 0.02)
	_, err := lg.Apply(ctx, d1, approvedVerdict(d1, 0.02), lg.Snapshot().Version)
	require.NoError(t, err)

	d2 := buy("d-2", "mkt-2", models.CategorySports, 0.02)
	_, err = lg.Reject(ctx, d2, &models.RiskVerdict{DecisionID: d2.ID, Outcome: models.VerdictRejected})
	require.NoError(t, err)

	recs, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Most recent first.
	assert.Equal(t, "d-2", recs[0].DecisionID)
	assert.Equal(t, "d-1", recs[1].DecisionID)
}
