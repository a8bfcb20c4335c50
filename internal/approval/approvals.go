// Package approval holds decisions escalated by the risk engine until a
// human confirms or rejects them. Silence auto-rejects after a timeout.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	applogger "marketpulse/pkg/logger"
)

var ErrNotPending = errors.New("decision not pending approval")

// Pending is one decision awaiting a human ruling.
type Pending struct {
	Decision  *models.Decision    `json:"decision"`
	Verdict   *models.RiskVerdict `json:"verdict"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// Resolver receives the final ruling. Confirmed decisions carry an approved
// verdict copy; rejected and expired ones a rejected copy.
type Resolver func(ctx context.Context, d *models.Decision, v *models.RiskVerdict)

// Manager tracks pending approvals and enforces the timeout.
type Manager struct {
	ttl     time.Duration
	sweep   time.Duration
	resolve Resolver
	metrics domrepo.Metrics
	l       *applogger.Logger

	mu      sync.Mutex
	pending map[string]*Pending

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

func NewManager(ttl time.Duration, resolve Resolver, metrics domrepo.Metrics, l *applogger.Logger) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	sweep := ttl / 60
	if sweep < time.Second {
		sweep = time.Second
	}
	return &Manager{
		ttl:      ttl,
		sweep:    sweep,
		resolve:  resolve,
		metrics:  metrics,
		l:        l.With("approvals"),
		pending:  make(map[string]*Pending),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Submit parks an escalated decision. Resubmitting an id already pending is
// a no-op, keeping the original deadline.
func (m *Manager) Submit(d *models.Decision, v *models.RiskVerdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[d.ID]; ok {
		return
	}
	now := m.now().UTC()
	m.pending[d.ID] = &Pending{
		Decision:  d,
		Verdict:   v,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.metrics.RecordVerdict(string(d.Category), string(models.VerdictNeedsApproval))
	m.l.Info("decision awaiting human approval",
		applogger.String("decision_id", d.ID),
		applogger.Float64("adjusted_size", v.AdjustedSize),
		applogger.Duration("timeout", m.ttl),
	)
}

// Confirm releases a pending decision with an approved verdict.
func (m *Manager) Confirm(ctx context.Context, decisionID string) error {
	p, err := m.take(decisionID)
	if err != nil {
		return err
	}
	v := *p.Verdict
	v.Outcome = models.VerdictApproved
	m.l.Info("decision confirmed", applogger.String("decision_id", decisionID))
	m.resolve(ctx, p.Decision, &v)
	return nil
}

// Reject releases a pending decision with a rejected verdict.
func (m *Manager) Reject(ctx context.Context, decisionID string) error {
	p, err := m.take(decisionID)
	if err != nil {
		return err
	}
	v := *p.Verdict
	v.Outcome = models.VerdictRejected
	m.l.Info("decision rejected by operator", applogger.String("decision_id", decisionID))
	m.resolve(ctx, p.Decision, &v)
	return nil
}

// List returns the pending set ordered by nothing in particular.
func (m *Manager) List() []*Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pending, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	return out
}

// Start launches the expiry sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.expire()
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Manager) take(decisionID string) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[decisionID]
	if !ok {
		return nil, ErrNotPending
	}
	delete(m.pending, decisionID)
	return p, nil
}

// expire auto-rejects everything past its deadline.
func (m *Manager) expire() {
	now := m.now().UTC()
	var due []*Pending
	m.mu.Lock()
	for id, p := range m.pending {
		if now.After(p.ExpiresAt) {
			due = append(due, p)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, p := range due {
		v := *p.Verdict
		v.Outcome = models.VerdictRejected
		m.l.Warn("approval timed out, auto-rejecting",
			applogger.String("decision_id", p.Decision.ID),
		)
		m.metrics.RecordError("approval_timeout")
		m.resolve(context.Background(), p.Decision, &v)
	}
}
