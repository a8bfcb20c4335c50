package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/domain/models"
)

// Trader turns an analyst view into at most one candidate decision. Sizing is
// proportional to the edge over even odds, capped globally and by the
// category's risk profile; views without a meaningful edge produce no
// decision.
type Trader struct {
	caps Capabilities
	// maxSize caps the proposed fraction before the risk engine sees it.
	maxSize float64
	// profileCap is the category ceiling after volatility scaling. Sizing
	// above it would be rejected outright, so strong signals are clamped
	// here instead of dying at the gate.
	profileCap float64
	// minEdge below which the trader holds.
	minEdge float64
}

func NewTrader(caps Capabilities, maxSize float64, profile models.RiskProfile) *Trader {
	if maxSize <= 0 || maxSize > 1 {
		maxSize = 0.25
	}
	vol := profile.VolatilityFactor
	if vol <= 0 {
		vol = 1
	}
	profileCap := profile.MaxPositionFraction / vol
	if profileCap <= 0 || profileCap > maxSize {
		profileCap = maxSize
	}
	return &Trader{caps: caps, maxSize: maxSize, profileCap: profileCap, minEdge: 0.02}
}

// Propose builds the decision for a view, or nil when the edge is too small
// to act on.
func (t *Trader) Propose(ctx context.Context, view *models.AnalystView) (*models.Decision, error) {
	edge := view.ProbabilityEstimate - 0.5
	if math.Abs(edge) < t.minEdge {
		return nil, nil
	}

	marketID, err := t.caps.ResolveMarket(ctx, view)
	if err != nil {
		return nil, err
	}

	direction := models.DirectionBuy
	if edge < 0 {
		direction = models.DirectionSell
	}

	// Full cap is reached at a probability of 0 or 1.
	size := math.Abs(edge) * 2 * t.maxSize
	if size > t.profileCap {
		size = t.profileCap
	}

	return &models.Decision{
		ID:               uuid.NewString(),
		Category:         view.Category,
		Direction:        direction,
		MarketID:         marketID,
		ProposedSize:     size,
		Confidence:       math.Abs(edge) * 2,
		RationaleRef:     view.ContextID,
		CorrelationFlags: view.CorrelationFlags,
		CreatedAt:        time.Now().UTC(),
	}, nil
}
