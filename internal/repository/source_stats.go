package repository

import (
	"sort"
	"sync"
	"time"

	"marketpulse/internal/domain/models"
)

// SourceRecord is the running tally for one collector source.
type SourceRecord struct {
	Source   string    `json:"source"`
	Events   int64     `json:"events"`
	Breaking int64     `json:"breaking"`
	LastSeen time.Time `json:"last_seen"`
}

// DecisionCounts tallies verdict outcomes for one category.
type DecisionCounts struct {
	Proposed  int64 `json:"proposed"`
	Approved  int64 `json:"approved"`
	Rejected  int64 `json:"rejected"`
	Escalated int64 `json:"escalated"`
}

// SourceTracker keeps process-local reliability counters: how much each
// source feeds the system and how its categories' decisions fare. Counters
// reset with the process; they are operational introspection, not a ledger.
type SourceTracker struct {
	mu        sync.Mutex
	sources   map[string]*SourceRecord
	decisions map[models.Category]*DecisionCounts
}

func NewSourceTracker() *SourceTracker {
	return &SourceTracker{
		sources:   make(map[string]*SourceRecord),
		decisions: make(map[models.Category]*DecisionCounts),
	}
}

// RecordEvent counts one validated event from a source.
func (t *SourceTracker) RecordEvent(source string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.sourceLocked(source)
	rec.Events++
	if at.After(rec.LastSeen) {
		rec.LastSeen = at
	}
}

// RecordBreaking counts one fast-path routing for a source.
func (t *SourceTracker) RecordBreaking(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sourceLocked(source).Breaking++
}

// RecordDecision counts one verdict outcome for a category.
func (t *SourceTracker) RecordDecision(c models.Category, outcome models.VerdictOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts, ok := t.decisions[c]
	if !ok {
		counts = &DecisionCounts{}
		t.decisions[c] = counts
	}
	counts.Proposed++
	switch outcome {
	case models.VerdictApproved:
		counts.Approved++
	case models.VerdictRejected:
		counts.Rejected++
	case models.VerdictNeedsApproval:
		counts.Escalated++
	}
}

// Sources returns per-source records ordered by source name.
func (t *SourceTracker) Sources() []*SourceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*SourceRecord, 0, len(t.sources))
	for _, rec := range t.sources {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Decisions returns per-category outcome tallies.
func (t *SourceTracker) Decisions() map[models.Category]DecisionCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[models.Category]DecisionCounts, len(t.decisions))
	for c, counts := range t.decisions {
		out[c] = *counts
	}
	return out
}

func (t *SourceTracker) sourceLocked(source string) *SourceRecord {
	rec, ok := t.sources[source]
	if !ok {
		rec = &SourceRecord{Source: source}
		t.sources[source] = rec
	}
	return rec
}
