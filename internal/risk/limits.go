package risk

import "time"

// Limits is the portfolio-wide limit configuration. Immutable after startup.
type Limits struct {
	// DailyLossLimit and WeeklyLossLimit are positive fractions; a PnL of
	// -DailyLossLimit or worse halts new decisions for the day.
	DailyLossLimit  float64
	WeeklyLossLimit float64
	// ApprovalThreshold is the portfolio impact above which a decision can
	// never be auto-approved.
	ApprovalThreshold float64
	// CorrelationPenalty scales size down when correlated categories crowd
	// their caps.
	CorrelationPenalty float64
	// MiscUncertainty multiplies the misc category's volatility factor.
	MiscUncertainty float64
	// NearCapRatio is the exposure fraction of a category's cap at which it
	// counts as crowded for the correlation rule.
	NearCapRatio float64
}

// DefaultLimits mirrors the configured defaults.
func DefaultLimits() Limits {
	return Limits{
		DailyLossLimit:     0.02,
		WeeklyLossLimit:    0.05,
		ApprovalThreshold:  0.10,
		CorrelationPenalty: 0.5,
		MiscUncertainty:    1.5,
		NearCapRatio:       0.9,
	}
}

// DayStart returns the start of t's UTC calendar day. Daily loss limits
// reset here rather than on a rolling 24h window so a halt clears at a
// predictable boundary.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart returns the preceding ISO week boundary, Monday 00:00 UTC.
func WeekStart(t time.Time) time.Time {
	day := DayStart(t)
	wd := int(day.Weekday())
	if wd == 0 {
		wd = 7 // Sunday
	}
	return day.AddDate(0, 0, -(wd - 1))
}
