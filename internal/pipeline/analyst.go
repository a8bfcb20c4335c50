package pipeline

import (
	"context"
	"time"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	applogger "marketpulse/pkg/logger"
	"marketpulse/pkg/queue"
)

// Analyst consumes assembled contexts for exactly one category, produces the
// analyst view, and hands it to the trader. One analyst instance never sees
// another category's contexts.
type Analyst struct {
	category models.Category
	caps     Capabilities
	trader   *Trader
	fabric   queue.Fabric
	metrics  domrepo.Metrics
	l        *applogger.Logger
}

func NewAnalyst(category models.Category, caps Capabilities, trader *Trader,
	fabric queue.Fabric, metrics domrepo.Metrics, l *applogger.Logger) *Analyst {
	return &Analyst{
		category: category,
		caps:     caps,
		trader:   trader,
		fabric:   fabric,
		metrics:  metrics,
		l:        l.With("analyst." + string(category)),
	}
}

func (a *Analyst) Queue() string { return queue.AnalysisQueue(string(a.category)) }

func (a *Analyst) Handle(ctx context.Context, env *queue.Envelope) error {
	start := time.Now()
	actx, err := queue.Payload[models.AnalysisContext](env)
	if err != nil {
		return domain.Malformed("analyst decode: %v", err)
	}
	if actx.Category != a.category {
		return domain.Malformed("context %s: category %q on %q queue", actx.ID, actx.Category, a.category)
	}

	view, err := a.caps.Assess(ctx, actx)
	if err != nil {
		return err
	}
	a.metrics.RecordEvent(string(a.category), "assessed")

	decision, err := a.trader.Propose(ctx, view)
	if err != nil {
		return err
	}
	if decision == nil {
		a.l.Debug("no actionable edge",
			applogger.String("context_id", actx.ID),
			applogger.Float64("probability", view.ProbabilityEstimate),
		)
		a.metrics.RecordEvent(string(a.category), "held")
		return nil
	}

	if err := a.fabric.Publish(ctx, queue.QueueDecisions, string(a.category), decision); err != nil {
		return domain.Transient(err)
	}

	a.metrics.RecordEvent(string(a.category), "decision_proposed")
	a.metrics.RecordStageLatency("analyze", time.Since(start).Seconds())
	a.l.Info("decision proposed",
		applogger.String("decision_id", decision.ID),
		applogger.String("market_id", decision.MarketID),
		applogger.String("direction", string(decision.Direction)),
		applogger.Float64("size", decision.ProposedSize),
	)
	return nil
}

var _ queue.Handler = (*Analyst)(nil)
