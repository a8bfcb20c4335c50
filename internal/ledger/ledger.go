// Package ledger is the authoritative paper-trading record: positions, PnL
// and exposure, mutated only through Apply. All other components read
// snapshots.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	"marketpulse/internal/risk"
	applogger "marketpulse/pkg/logger"
)

// sizeEpsilon below which a position counts as closed.
const sizeEpsilon = 1e-9

// Ledger serializes mutations per market while keeping a globally versioned
// portfolio snapshot. Apply is the single mutation point.
type Ledger struct {
	profiles map[models.Category]models.RiskProfile
	limits   risk.Limits
	log      domrepo.ExecutionLog
	metrics  domrepo.Metrics
	l        *applogger.Logger

	mu        sync.Mutex
	markets   map[string]*sync.Mutex
	positions map[string]*models.Position
	applied   map[string]*models.ExecutionRecord
	state     models.PortfolioState

	realizedDay  float64
	realizedWeek float64
	dayStart     time.Time
	weekStart    time.Time

	now func() time.Time
}

func New(profiles map[models.Category]models.RiskProfile, limits risk.Limits,
	log domrepo.ExecutionLog, metrics domrepo.Metrics, l *applogger.Logger) *Ledger {
	now := time.Now().UTC()
	return &Ledger{
		profiles:  profiles,
		limits:    limits,
		log:       log,
		metrics:   metrics,
		l:         l.With("ledger"),
		markets:   make(map[string]*sync.Mutex),
		positions: make(map[string]*models.Position),
		applied:   make(map[string]*models.ExecutionRecord),
		state: models.PortfolioState{
			CategoryExposure: make(map[models.Category]float64),
			AsOf:             now,
		},
		dayStart:  risk.DayStart(now),
		weekStart: risk.WeekStart(now),
		now:       time.Now,
	}
}

// Snapshot returns a read-consistent copy of the portfolio state.
func (lg *Ledger) Snapshot() *models.PortfolioState {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.rollWindowsLocked()
	return lg.snapshotLocked()
}

func (lg *Ledger) snapshotLocked() *models.PortfolioState {
	cp := lg.state
	cp.CategoryExposure = make(map[models.Category]float64, len(lg.state.CategoryExposure))
	for c, v := range lg.state.CategoryExposure {
		cp.CategoryExposure[c] = v
	}
	return &cp
}

// Positions returns copies of the open positions.
func (lg *Ledger) Positions() []*models.Position {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	out := make([]*models.Position, 0, len(lg.positions))
	for _, p := range lg.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Apply commits an approved decision. It is idempotent by decision id and
// serializes concurrent applies on the same market. expectedVersion is the
// snapshot version the verdict was evaluated against; a mismatch returns
// ErrLedgerConflict so the caller can retry once with a fresh snapshot.
// Limits are re-checked against current state inside the critical section;
// a decision that no longer fits is committed as rejected, not as an error.
func (lg *Ledger) Apply(ctx context.Context, d *models.Decision, v *models.RiskVerdict, expectedVersion int64) (*models.ExecutionRecord, error) {
	if v.Outcome != models.VerdictApproved {
		return lg.Reject(ctx, d, v)
	}

	market := lg.marketLock(d.MarketID)
	market.Lock()
	defer market.Unlock()

	lg.mu.Lock()
	if prev, ok := lg.applied[d.ID]; ok {
		lg.mu.Unlock()
		return prev, nil
	}
	lg.rollWindowsLocked()
	if lg.state.Version != expectedVersion {
		lg.mu.Unlock()
		return nil, fmt.Errorf("%w: ledger at v%d, verdict at v%d",
			domain.ErrLedgerConflict, lg.state.Version, expectedVersion)
	}

	size, reasons, ok := lg.revalidateLocked(d, v.AdjustedSize)
	if !ok {
		rec := lg.recordLocked(d, models.VerdictRejected, 0, reasons, nil)
		lg.mu.Unlock()
		lg.persist(ctx, rec, nil)
		return rec, nil
	}

	pos := lg.mutatePositionLocked(d, size)
	lg.recomputeLocked()
	var posCopy *models.Position
	if pos != nil {
		cp := *pos
		posCopy = &cp
	}
	rec := lg.recordLocked(d, models.VerdictApproved, size, v.Reasons, posCopy)
	positions := lg.positionsLocked()
	lg.mu.Unlock()

	lg.persist(ctx, rec, positions)
	lg.metrics.RecordVerdict(string(d.Category), string(models.VerdictApproved))
	return rec, nil
}

// Reject logs a decision that never touches positions.
func (lg *Ledger) Reject(ctx context.Context, d *models.Decision, v *models.RiskVerdict) (*models.ExecutionRecord, error) {
	lg.mu.Lock()
	if prev, ok := lg.applied[d.ID]; ok {
		lg.mu.Unlock()
		return prev, nil
	}
	rec := lg.recordLocked(d, v.Outcome, 0, v.Reasons, nil)
	lg.mu.Unlock()

	lg.persist(ctx, rec, nil)
	lg.metrics.RecordVerdict(string(d.Category), string(v.Outcome))
	return rec, nil
}

// SetMark updates a market's mark price and re-derives PnL and exposure.
// Unknown markets are ignored.
func (lg *Ledger) SetMark(marketID string, price float64) {
	if price <= 0 {
		return
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()
	p, ok := lg.positions[marketID]
	if !ok {
		return
	}
	p.MarkPrice = price
	lg.recomputeLocked()
}

func (lg *Ledger) marketLock(marketID string) *sync.Mutex {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	m, ok := lg.markets[marketID]
	if !ok {
		m = &sync.Mutex{}
		lg.markets[marketID] = m
	}
	return m
}

// revalidateLocked re-checks the state-dependent rules (loss limits and
// category headroom) against the current ledger. The static rules were
// settled at evaluation time.
func (lg *Ledger) revalidateLocked(d *models.Decision, size float64) (float64, []string, bool) {
	var reasons []string
	if lg.state.DailyPnL <= -lg.limits.DailyLossLimit {
		reasons = append(reasons, models.ReasonDailyLossLimit)
	}
	if lg.state.WeeklyPnL <= -lg.limits.WeeklyLossLimit {
		reasons = append(reasons, models.ReasonWeeklyLossLimit)
	}
	if len(reasons) > 0 {
		return 0, reasons, false
	}

	// Sells reduce exposure; only increases need headroom.
	if d.Direction == models.DirectionBuy {
		profile, ok := lg.profiles[d.Category]
		if !ok {
			return 0, []string{models.ReasonCategoryExposure}, false
		}
		headroom := profile.MaxPositionFraction - lg.state.Exposure(d.Category)
		if headroom <= 0 {
			return 0, []string{models.ReasonCategoryExposure}, false
		}
		if size > headroom {
			return headroom, []string{models.ReasonCategoryExposure}, true
		}
	}
	return size, nil, true
}

// mutatePositionLocked applies the signed size to the market's position.
// Returns the resulting position, or nil when the position closed.
func (lg *Ledger) mutatePositionLocked(d *models.Decision, size float64) *models.Position {
	delta := size
	if d.Direction == models.DirectionSell {
		delta = -size
	}

	p, ok := lg.positions[d.MarketID]
	if !ok {
		p = &models.Position{
			MarketID:   d.MarketID,
			Category:   d.Category,
			EntryPrice: 1.0,
			MarkPrice:  1.0,
			OpenedAt:   lg.now().UTC(),
		}
		lg.positions[d.MarketID] = p
	}

	newSize := p.Size + delta
	if newSize < 0 {
		newSize = 0 // paper ledger holds no shorts; a sell at most closes
	}
	if newSize <= sizeEpsilon {
		lg.realizeLocked(p, p.Size)
		delete(lg.positions, d.MarketID)
		return nil
	}
	if delta < 0 {
		lg.realizeLocked(p, -delta)
	}
	p.Size = newSize
	return p
}

// realizeLocked books the PnL of a closed fraction into the loss windows.
func (lg *Ledger) realizeLocked(p *models.Position, closedSize float64) {
	if p.EntryPrice <= 0 || p.MarkPrice <= 0 || closedSize <= 0 {
		return
	}
	pnl := closedSize * (p.MarkPrice - p.EntryPrice) / p.EntryPrice
	lg.realizedDay += pnl
	lg.realizedWeek += pnl
}

// recomputeLocked re-derives the portfolio view from positions and realized
// PnL. Called after every mutation.
func (lg *Ledger) recomputeLocked() {
	exposure := make(map[models.Category]float64, len(lg.profiles))
	total := 0.0
	unrealized := 0.0
	for _, p := range lg.positions {
		exposure[p.Category] += math.Abs(p.Size)
		total += math.Abs(p.Size)
		unrealized += p.UnrealizedPnL()
	}
	lg.state.CategoryExposure = exposure
	lg.state.TotalExposure = total
	lg.state.OpenPositions = len(lg.positions)
	lg.state.DailyPnL = lg.realizedDay + unrealized
	lg.state.WeeklyPnL = lg.realizedWeek + unrealized
	lg.state.Version++
	lg.state.AsOf = lg.now().UTC()

	for c, f := range exposure {
		lg.metrics.RecordExposure(string(c), f)
	}
}

// rollWindowsLocked resets realized PnL at UTC day and ISO week boundaries.
// Loss-limit halts clear at these boundaries.
func (lg *Ledger) rollWindowsLocked() {
	now := lg.now().UTC()
	if ds := risk.DayStart(now); ds.After(lg.dayStart) {
		lg.dayStart = ds
		lg.realizedDay = 0
		lg.state.DailyPnL = 0
	}
	if ws := risk.WeekStart(now); ws.After(lg.weekStart) {
		lg.weekStart = ws
		lg.realizedWeek = 0
		lg.state.WeeklyPnL = 0
	}
}

func (lg *Ledger) recordLocked(d *models.Decision, outcome models.VerdictOutcome,
	size float64, reasons []string, pos *models.Position) *models.ExecutionRecord {
	rec := &models.ExecutionRecord{
		DecisionID: d.ID,
		MarketID:   d.MarketID,
		Category:   d.Category,
		Outcome:    outcome,
		Size:       size,
		Reasons:    reasons,
		Position:   pos,
		Timestamp:  lg.now().UTC(),
	}
	lg.applied[d.ID] = rec
	return rec
}

func (lg *Ledger) positionsLocked() []*models.Position {
	out := make([]*models.Position, 0, len(lg.positions))
	for _, p := range lg.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// persist appends to the execution log outside the state lock. Log failures
// do not unwind a committed mutation; they are reported and counted.
func (lg *Ledger) persist(ctx context.Context, rec *models.ExecutionRecord, positions []*models.Position) {
	if err := lg.log.Append(ctx, rec); err != nil {
		lg.l.Error("execution log append failed",
			applogger.String("decision_id", rec.DecisionID),
			applogger.Error(err),
		)
		lg.metrics.RecordError("execution_log")
	}
	if positions != nil {
		if err := lg.log.SavePositions(ctx, positions); err != nil {
			lg.l.Warn("position snapshot persist failed", applogger.Error(err))
		}
	}
}
