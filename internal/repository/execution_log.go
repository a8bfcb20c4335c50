package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	pkgch "marketpulse/pkg/clickhouse"
	applogger "marketpulse/pkg/logger"
)

// Schema holds the idempotent DDL for the execution log tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS execution_log (
        ts          DateTime64(3),
        decision_id String,
        market_id   String,
        category    LowCardinality(String),
        outcome     LowCardinality(String),
        size        Float64,
        reasons     String,
        position    String
    ) ENGINE = MergeTree()
    PARTITION BY toYYYYMM(ts)
    ORDER BY (ts, decision_id)`,
	`CREATE TABLE IF NOT EXISTS positions (
        ts          DateTime64(3),
        market_id   String,
        category    LowCardinality(String),
        size        Float64,
        entry_price Float64,
        mark_price  Float64,
        opened_at   DateTime64(3)
    ) ENGINE = ReplacingMergeTree(ts)
    ORDER BY market_id`,
}

// CHExecutionLog implements ExecutionLog backed by ClickHouse. Appends only;
// rows are never updated or deleted.
type CHExecutionLog struct {
	db *sql.DB
	l  *applogger.Logger
}

func NewCHExecutionLog(ch *pkgch.Client, l *applogger.Logger) *CHExecutionLog {
	return &CHExecutionLog{db: ch.DB(), l: l.With("execution_log")}
}

func (s *CHExecutionLog) Append(ctx context.Context, rec *models.ExecutionRecord) error {
	reasons := strings.Join(rec.Reasons, ",")
	var position string
	if rec.Position != nil {
		b, err := json.Marshal(rec.Position)
		if err != nil {
			return fmt.Errorf("marshal position: %w", err)
		}
		position = string(b)
	}
	const q = `INSERT INTO execution_log
        (ts, decision_id, market_id, category, outcome, size, reasons, position)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		rec.Timestamp,
		rec.DecisionID,
		rec.MarketID,
		string(rec.Category),
		string(rec.Outcome),
		rec.Size,
		reasons,
		position,
	)
	if err != nil {
		s.l.Error("execution log append failed",
			applogger.String("decision_id", rec.DecisionID),
			applogger.Error(err),
		)
		return fmt.Errorf("append execution record: %w", err)
	}
	return nil
}

func (s *CHExecutionLog) Recent(ctx context.Context, limit int) ([]*models.ExecutionRecord, error) {
	const q = `SELECT ts, decision_id, market_id, category, outcome, size, reasons, position
        FROM execution_log ORDER BY ts DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution log: %w", err)
	}
	defer rows.Close()

	out := make([]*models.ExecutionRecord, 0, limit)
	for rows.Next() {
		var (
			rec      models.ExecutionRecord
			category string
			outcome  string
			reasons  string
			position string
		)
		if err := rows.Scan(&rec.Timestamp, &rec.DecisionID, &rec.MarketID,
			&category, &outcome, &rec.Size, &reasons, &position); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		rec.Category = models.Category(category)
		rec.Outcome = models.VerdictOutcome(outcome)
		if reasons != "" {
			rec.Reasons = strings.Split(reasons, ",")
		}
		if position != "" {
			var p models.Position
			if err := json.Unmarshal([]byte(position), &p); err == nil {
				rec.Position = &p
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *CHExecutionLog) SavePositions(ctx context.Context, positions []*models.Position) error {
	if len(positions) == 0 {
		return nil
	}
	now := time.Now().UTC()
	values := make([]string, 0, len(positions))
	args := make([]interface{}, 0, len(positions)*7)
	for _, p := range positions {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, now, p.MarketID, string(p.Category),
			p.Size, p.EntryPrice, p.MarkPrice, p.OpenedAt)
	}
	q := fmt.Sprintf(`INSERT INTO positions
        (ts, market_id, category, size, entry_price, mark_price, opened_at)
        VALUES %s`, strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("save positions: %w", err)
	}
	return nil
}

func (s *CHExecutionLog) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *CHExecutionLog) Close() error {
	return nil // pool owned by pkg/clickhouse client
}

// MemoryExecutionLog keeps records in memory. Used when ClickHouse is
// disabled and in tests.
type MemoryExecutionLog struct {
	mu        sync.Mutex
	records   []*models.ExecutionRecord
	positions []*models.Position
}

func NewMemoryExecutionLog() *MemoryExecutionLog {
	return &MemoryExecutionLog{}
}

func (m *MemoryExecutionLog) Append(_ context.Context, rec *models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryExecutionLog) Recent(_ context.Context, limit int) ([]*models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	if limit > n {
		limit = n
	}
	out := make([]*models.ExecutionRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryExecutionLog) SavePositions(_ context.Context, positions []*models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
	return nil
}

func (m *MemoryExecutionLog) Health(context.Context) error { return nil }
func (m *MemoryExecutionLog) Close() error                 { return nil }

var (
	_ domrepo.ExecutionLog = (*CHExecutionLog)(nil)
	_ domrepo.ExecutionLog = (*MemoryExecutionLog)(nil)
)
