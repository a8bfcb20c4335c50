package usecase

import (
	"context"
	"errors"
	"time"

	"marketpulse/internal/approval"
	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	"marketpulse/internal/ledger"
	"marketpulse/internal/repository"
	"marketpulse/internal/risk"
	applogger "marketpulse/pkg/logger"
	"marketpulse/pkg/queue"
)

// Executor consumes candidate decisions, evaluates them against a fresh
// portfolio snapshot and commits the verdict: approved decisions go to the
// ledger, rejections are logged, escalations park with the approval manager.
// Evaluation is optimistic; the ledger re-checks limits at commit and a
// version conflict is retried once with a fresh snapshot.
type Executor struct {
	engine    *risk.Engine
	ledger    *ledger.Ledger
	approvals *approval.Manager
	fabric    queue.Fabric
	sources   *repository.SourceTracker
	metrics   domrepo.Metrics
	l         *applogger.Logger
}

func NewExecutor(engine *risk.Engine, lg *ledger.Ledger, fabric queue.Fabric,
	sources *repository.SourceTracker, metrics domrepo.Metrics, l *applogger.Logger) *Executor {
	return &Executor{
		engine:  engine,
		ledger:  lg,
		fabric:  fabric,
		sources: sources,
		metrics: metrics,
		l:       l.With("executor"),
	}
}

// SetApprovals injects the approval manager. Split from the constructor
// because the manager's resolver callback points back at this executor.
func (e *Executor) SetApprovals(m *approval.Manager) { e.approvals = m }

func (e *Executor) Queue() string { return queue.QueueDecisions }

func (e *Executor) Handle(ctx context.Context, env *queue.Envelope) error {
	start := time.Now()
	d, err := queue.Payload[models.Decision](env)
	if err != nil {
		return domain.Malformed("executor decode: %v", err)
	}
	if d.Direction == models.DirectionHold {
		return nil
	}

	state := e.ledger.Snapshot()
	verdict := e.engine.Evaluate(d, state)
	e.sources.RecordDecision(d.Category, verdict.Outcome)

	switch verdict.Outcome {
	case models.VerdictNeedsApproval:
		e.approvals.Submit(d, verdict)
		return nil
	case models.VerdictRejected:
		rec, err := e.ledger.Reject(ctx, d, verdict)
		if err != nil {
			return err
		}
		e.l.Info("decision rejected",
			applogger.String("decision_id", d.ID),
			applogger.Strings("reasons", verdict.Reasons),
		)
		return e.publish(ctx, rec, start)
	}

	rec, err := e.commit(ctx, d, verdict, state.Version)
	if err != nil {
		return err
	}
	return e.publish(ctx, rec, start)
}

// Resolve is the approval manager's callback for confirmed and rejected
// escalations.
func (e *Executor) Resolve(ctx context.Context, d *models.Decision, v *models.RiskVerdict) {
	var (
		rec *models.ExecutionRecord
		err error
	)
	if v.Outcome == models.VerdictApproved {
		rec, err = e.commit(ctx, d, v, e.ledger.Snapshot().Version)
	} else {
		rec, err = e.ledger.Reject(ctx, d, v)
	}
	if err != nil {
		e.l.Error("approval resolution failed",
			applogger.String("decision_id", d.ID),
			applogger.Error(err),
		)
		e.metrics.RecordError("approval_resolve")
		return
	}
	if perr := e.publish(ctx, rec, time.Now()); perr != nil {
		e.l.Warn("execution record publish failed", applogger.Error(perr))
	}
}

// commit applies through the ledger, retrying once on a snapshot conflict
// with a fresh evaluation.
func (e *Executor) commit(ctx context.Context, d *models.Decision, v *models.RiskVerdict, version int64) (*models.ExecutionRecord, error) {
	rec, err := e.ledger.Apply(ctx, d, v, version)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrLedgerConflict) {
		return nil, err
	}

	state := e.ledger.Snapshot()
	fresh := e.engine.Evaluate(d, state)
	switch fresh.Outcome {
	case models.VerdictRejected:
		return e.ledger.Reject(ctx, d, fresh)
	case models.VerdictNeedsApproval:
		// Escalations triggered only by the retry still need a human.
		e.approvals.Submit(d, fresh)
		return nil, nil
	}
	rec, err = e.ledger.Apply(ctx, d, fresh, state.Version)
	if err != nil {
		return nil, err // persistent conflict surfaces as a failure
	}
	return rec, nil
}

func (e *Executor) publish(ctx context.Context, rec *models.ExecutionRecord, start time.Time) error {
	if rec == nil {
		return nil
	}
	if err := e.fabric.Publish(ctx, queue.QueueExecution, string(rec.Category), rec); err != nil {
		return domain.Transient(err)
	}
	e.metrics.RecordStageLatency("execute", time.Since(start).Seconds())
	return nil
}

var _ queue.Handler = (*Executor)(nil)
