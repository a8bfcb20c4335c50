package models

import "time"

// Position is the single active position for a market. Owned by the ledger;
// mutated only by applying an approved decision; removed when size returns
// to zero.
type Position struct {
	MarketID   string    `json:"market_id"`
	Category   Category  `json:"category"`
	Size       float64   `json:"size"` // fraction of portfolio committed
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// UnrealizedPnL is the position's open profit as a fraction of portfolio
// value, based on the latest mark.
func (p *Position) UnrealizedPnL() float64 {
	if p.EntryPrice <= 0 || p.MarkPrice <= 0 {
		return 0
	}
	return p.Size * (p.MarkPrice - p.EntryPrice) / p.EntryPrice
}

// RiskProfile is the static per-category risk configuration.
type RiskProfile struct {
	Category            Category `json:"category" yaml:"category"`
	VolatilityFactor    float64  `json:"volatility_factor" yaml:"volatility_factor" validate:"gt=0"`
	MaxPositionFraction float64  `json:"max_position_fraction" yaml:"max_position_fraction" validate:"gt=0,lte=1"`
}

// PortfolioState is a derived view over the set of positions plus realized
// trade history. Never mutated directly; re-derived after each applied
// decision.
type PortfolioState struct {
	TotalExposure    float64              `json:"total_exposure"`
	CategoryExposure map[Category]float64 `json:"category_exposure"`
	DailyPnL         float64              `json:"daily_pnl"`
	WeeklyPnL        float64              `json:"weekly_pnl"`
	OpenPositions    int                  `json:"open_positions"`
	Version          int64                `json:"version"`
	AsOf             time.Time            `json:"as_of"`
}

// Exposure returns the committed fraction for one category.
func (s *PortfolioState) Exposure(c Category) float64 {
	if s.CategoryExposure == nil {
		return 0
	}
	return s.CategoryExposure[c]
}
