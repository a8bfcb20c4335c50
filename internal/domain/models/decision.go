package models

import "time"

// Direction of a candidate trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// Decision is a candidate trade signal produced by exactly one trader role
// per upstream AnalysisContext. Immutable.
type Decision struct {
	ID           string    `json:"id"`
	Category     Category  `json:"category"`
	Direction    Direction `json:"direction"`
	MarketID     string    `json:"market_id"`
	ProposedSize float64   `json:"proposed_size"` // fraction of portfolio, (0,1]
	Confidence   float64   `json:"confidence"`    // [0,1]
	RationaleRef string    `json:"rationale_ref"`
	// CorrelationFlags are carried over from the analyst view so the risk
	// engine can apply the correlation rule without re-reading the context.
	CorrelationFlags []Category `json:"correlation_flags,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// VerdictOutcome is the risk engine's ruling class.
type VerdictOutcome string

const (
	VerdictApproved      VerdictOutcome = "approved"
	VerdictRejected      VerdictOutcome = "rejected"
	VerdictNeedsApproval VerdictOutcome = "needs_human_approval"
)

// Rule names recorded in RiskVerdict.Reasons, in evaluation order.
const (
	ReasonPositionSizeCap    = "position_size_cap"
	ReasonDailyLossLimit     = "daily_loss_limit"
	ReasonWeeklyLossLimit    = "weekly_loss_limit"
	ReasonCategoryExposure   = "category_exposure_cap"
	ReasonCorrelationPenalty = "correlation_penalty"
	ReasonHumanApproval      = "human_approval_threshold"
	// ReasonUnknownCategory marks a decision whose category has no risk
	// profile; no sizing rule ever ran.
	ReasonUnknownCategory = "unknown_category"
)

// RiskVerdict is computed deterministically from current ledger state, the
// category risk profile and the decision. Reasons holds every triggered rule
// in evaluation order; the first entry decided the outcome.
type RiskVerdict struct {
	DecisionID   string         `json:"decision_id"`
	Outcome      VerdictOutcome `json:"outcome"`
	AdjustedSize float64        `json:"adjusted_size"`
	Reasons      []string       `json:"reasons,omitempty"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
}

// Triggered reports whether the named rule fired during evaluation.
func (v *RiskVerdict) Triggered(rule string) bool {
	for _, r := range v.Reasons {
		if r == rule {
			return true
		}
	}
	return false
}

// AppliedTrade is the ledger's record of a committed decision.
type AppliedTrade struct {
	DecisionID string    `json:"decision_id"`
	MarketID   string    `json:"market_id"`
	Category   Category  `json:"category"`
	Size       float64   `json:"size"` // signed: negative reduces
	Position   Position  `json:"position"`
	AppliedAt  time.Time `json:"applied_at"`
}

// ExecutionRecord is one immutable execution-log entry. Both applied and
// rejected decisions are logged; rejected ones never touch positions.
type ExecutionRecord struct {
	DecisionID string         `json:"decision_id"`
	MarketID   string         `json:"market_id"`
	Category   Category       `json:"category"`
	Outcome    VerdictOutcome `json:"outcome"`
	Size       float64        `json:"size"`
	Reasons    []string       `json:"reasons,omitempty"`
	Position   *Position      `json:"position,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
