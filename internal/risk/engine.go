// Package risk implements the decision gate. Evaluate is a pure function
// over the decision, a portfolio snapshot and the static risk configuration;
// it never mutates state and never does IO.
package risk

import (
	"time"

	"marketpulse/internal/domain/models"
)

// Engine evaluates decisions against configured limits and per-category
// profiles. Stateless per call; safe for concurrent use.
type Engine struct {
	limits   Limits
	profiles map[models.Category]models.RiskProfile
}

func NewEngine(limits Limits, profiles map[models.Category]models.RiskProfile) *Engine {
	return &Engine{limits: limits, profiles: profiles}
}

// Profile returns the configured profile for a category.
func (e *Engine) Profile(c models.Category) (models.RiskProfile, bool) {
	p, ok := e.profiles[c]
	return p, ok
}

// Evaluate rules on the decision in a fixed order. The first rule that
// rejects decides the outcome, but every rule still runs so Reasons carries
// the complete diagnostic set. Outcome restrictiveness is
// rejected > needs_human_approval > approved; when rules disagree the most
// restrictive wins.
func (e *Engine) Evaluate(d *models.Decision, state *models.PortfolioState) *models.RiskVerdict {
	v := &models.RiskVerdict{
		DecisionID:  d.ID,
		Outcome:     models.VerdictApproved,
		EvaluatedAt: time.Now().UTC(),
	}

	profile, ok := e.profiles[d.Category]
	if !ok {
		// A category without a profile never trades.
		v.Outcome = models.VerdictRejected
		v.Reasons = append(v.Reasons, models.ReasonUnknownCategory)
		return v
	}

	rejected := false
	adjusted := d.ProposedSize

	// Rule 1: position size cap. Misc carries extra uncertainty.
	effVol := profile.VolatilityFactor
	if d.Category == models.CategoryMisc {
		effVol *= e.limits.MiscUncertainty
	}
	if d.ProposedSize*effVol > profile.MaxPositionFraction {
		v.Reasons = append(v.Reasons, models.ReasonPositionSizeCap)
		rejected = true
	}

	// Rule 2: loss limits halt the breached scope entirely.
	if state.DailyPnL <= -e.limits.DailyLossLimit {
		v.Reasons = append(v.Reasons, models.ReasonDailyLossLimit)
		rejected = true
	}
	if state.WeeklyPnL <= -e.limits.WeeklyLossLimit {
		v.Reasons = append(v.Reasons, models.ReasonWeeklyLossLimit)
		rejected = true
	}

	// Rule 3: clamp to category headroom; zero headroom rejects.
	headroom := profile.MaxPositionFraction - state.Exposure(d.Category)
	if headroom <= 0 {
		v.Reasons = append(v.Reasons, models.ReasonCategoryExposure)
		rejected = true
	} else if adjusted > headroom {
		v.Reasons = append(v.Reasons, models.ReasonCategoryExposure)
		adjusted = headroom
	}

	// Rule 4: correlation penalty when more than two flagged categories sit
	// near their own caps.
	if e.crowdedFlags(d, state) > 2 {
		v.Reasons = append(v.Reasons, models.ReasonCorrelationPenalty)
		adjusted *= e.limits.CorrelationPenalty
	}

	// Rule 5: large impact always needs a human, never auto-approves.
	escalate := false
	if adjusted > e.limits.ApprovalThreshold {
		v.Reasons = append(v.Reasons, models.ReasonHumanApproval)
		escalate = true
	}

	switch {
	case rejected:
		v.Outcome = models.VerdictRejected
		v.AdjustedSize = 0
	case escalate:
		v.Outcome = models.VerdictNeedsApproval
		v.AdjustedSize = adjusted
	default:
		v.Outcome = models.VerdictApproved
		v.AdjustedSize = adjusted
	}
	return v
}

// crowdedFlags counts flagged categories, other than the decision's own,
// whose exposure is at or past NearCapRatio of their cap.
func (e *Engine) crowdedFlags(d *models.Decision, state *models.PortfolioState) int {
	n := 0
	for _, c := range d.CorrelationFlags {
		if c == d.Category {
			continue
		}
		p, ok := e.profiles[c]
		if !ok {
			continue
		}
		if state.Exposure(c) >= e.limits.NearCapRatio*p.MaxPositionFraction {
			n++
		}
	}
	return n
}
