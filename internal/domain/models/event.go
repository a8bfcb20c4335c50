package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Category partitions pipelines and risk limits.
type Category string

const (
	CategoryPolitical Category = "political"
	CategorySports    Category = "sports"
	CategoryEconomic  Category = "economic"
	CategoryMisc      Category = "misc"
)

// Categories lists every category in a stable order. Queue names, worker
// pools and risk profiles are keyed off this set.
func Categories() []Category {
	return []Category{CategoryPolitical, CategorySports, CategoryEconomic, CategoryMisc}
}

// Valid reports whether c is one of the four known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryPolitical, CategorySports, CategoryEconomic, CategoryMisc:
		return true
	}
	return false
}

// Event is a single market-relevant item emitted by a collector.
// Immutable once created; consumed at most once per pipeline stage.
type Event struct {
	ID             string    `json:"id" validate:"required"`
	Source         string    `json:"source" validate:"required"`
	Category       Category  `json:"category" validate:"required,oneof=political sports economic misc"`
	Payload        string    `json:"payload" validate:"required"`
	RelevanceScore float64   `json:"relevance_score" validate:"gte=0,lte=1"`
	ReceivedAt     time.Time `json:"received_at"`
	// UrgencyScore is nil until the breaking-event classifier has seen the
	// event; 0-100 afterwards.
	UrgencyScore *int `json:"urgency_score,omitempty"`
}

// ContentHash returns the dedup key for an event: source plus payload digest.
// Collectors do not dedup, so the researcher must.
func (e *Event) ContentHash() string {
	sum := sha256.Sum256([]byte(e.Source + "\x00" + e.Payload))
	return hex.EncodeToString(sum[:16])
}

// AnalysisContext aggregates events plus prior cached summaries for one
// category. Owned exclusively by the analyst while it processes; discarded
// after producing a decision or a no-action result.
type AnalysisContext struct {
	ID            string    `json:"id"`
	Category      Category  `json:"category"`
	Events        []Event   `json:"events"`
	PriorSummary  string    `json:"prior_summary,omitempty"`
	Breaking      bool      `json:"breaking"`
	AssembledAt   time.Time `json:"assembled_at"`
}

// AnalystView is the analyst's output over one context. Correlation flags
// are advisory input to the risk engine, not binding.
type AnalystView struct {
	ContextID           string     `json:"context_id"`
	Category            Category   `json:"category"`
	ProbabilityEstimate float64    `json:"probability_estimate"`
	CorrelationFlags    []Category `json:"correlation_flags,omitempty"`
	Summary             string     `json:"summary,omitempty"`
}
