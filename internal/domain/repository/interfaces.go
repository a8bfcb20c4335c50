package repository

import (
	"context"
	"time"

	"marketpulse/internal/domain/models"
)

// ExecutionLog persists the immutable trade record and position snapshots.
// The storage engine behind it is not the core's concern.
type ExecutionLog interface {
	Append(ctx context.Context, rec *models.ExecutionRecord) error
	Recent(ctx context.Context, limit int) ([]*models.ExecutionRecord, error)
	SavePositions(ctx context.Context, positions []*models.Position) error
	Health(ctx context.Context) error
	Close() error
}

// DedupIndex remembers event content hashes so the researcher can drop
// duplicates across process restarts.
type DedupIndex interface {
	// MarkSeen records the hash and reports whether it was already present.
	MarkSeen(ctx context.Context, hash string, ttl time.Duration) (bool, error)
}

// SummaryCache stores the rolling per-category analysis summary fed back
// into the next AnalysisContext.
type SummaryCache interface {
	Summary(ctx context.Context, c models.Category) (string, error)
	SetSummary(ctx context.Context, c models.Category, summary string, ttl time.Duration) error
}

// Quote is one price observation for a market.
type Quote struct {
	MarketID  string
	Price     float64
	Timestamp time.Time
}

// QuoteStream feeds market prices used to mark open positions.
type QuoteStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, marketIDs []string) error
	Read(ctx context.Context) (<-chan Quote, <-chan error)
	Close() error
}

// Metrics records operational measurements. Implemented with Prometheus in
// pkg/metrics; tests use a no-op.
type Metrics interface {
	RecordEvent(category, stage string)
	RecordVerdict(category, outcome string)
	RecordStageLatency(stage string, seconds float64)
	RecordError(kind string)
	RecordExposure(category string, fraction float64)
}
