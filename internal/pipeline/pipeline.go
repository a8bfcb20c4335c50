package pipeline

import (
	"fmt"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	applogger "marketpulse/pkg/logger"
	"marketpulse/pkg/queue"
)

// ManagerConfig tunes the pipeline set.
type ManagerConfig struct {
	Researcher ResearcherConfig
	Workers    int
	MaxSize    float64
	// Profiles marks which categories may run. A category without a risk
	// profile is halted at startup; the others are unaffected.
	Profiles map[models.Category]models.RiskProfile
}

// Manager owns the researcher and one analyst per enabled category and wires
// them onto the fabric.
type Manager struct {
	researcher *Researcher
	analysts   []*Analyst
	l          *applogger.Logger
}

func NewManager(cfg ManagerConfig, fabric queue.Fabric, dedup domrepo.DedupIndex,
	summary domrepo.SummaryCache, caps Capabilities, metrics domrepo.Metrics, l *applogger.Logger) (*Manager, error) {

	m := &Manager{
		researcher: NewResearcher(cfg.Researcher, fabric, dedup, summary, caps, metrics, l),
		l:          l.With("pipeline"),
	}

	var halted []models.Category
	for _, c := range models.Categories() {
		profile, ok := cfg.Profiles[c]
		if !ok {
			halted = append(halted, c)
			continue
		}
		// Each analyst sizes against its own category profile.
		trader := NewTrader(caps, cfg.MaxSize, profile)
		m.analysts = append(m.analysts, NewAnalyst(c, caps, trader, fabric, metrics, l))
	}
	if len(m.analysts) == 0 {
		return nil, fmt.Errorf("%w: no category has a risk profile", domain.ErrFatalConfig)
	}
	for _, c := range halted {
		m.l.Error("category halted: no risk profile configured",
			applogger.String("category", string(c)),
		)
		metrics.RecordError("fatal_config")
	}
	return m, nil
}

// Register subscribes the researcher and analysts. Each analyst gets its own
// consumer group so category pipelines cannot block each other.
func (m *Manager) Register(fabric queue.Fabric, workers int) error {
	if err := fabric.Subscribe(m.researcher,
		queue.WithGroup("researcher"), queue.WithWorkers(workers)); err != nil {
		return fmt.Errorf("subscribe researcher: %w", err)
	}
	for _, a := range m.analysts {
		if err := fabric.Subscribe(a,
			queue.WithGroup("analysis."+string(a.category)), queue.WithWorkers(workers)); err != nil {
			return fmt.Errorf("subscribe analyst %s: %w", a.category, err)
		}
	}
	return nil
}

// Start launches the researcher's batch window ticker.
func (m *Manager) Start() { m.researcher.Start() }

// Stop flushes in-flight batches.
func (m *Manager) Stop() { m.researcher.Stop() }
