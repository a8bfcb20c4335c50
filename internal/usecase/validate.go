package usecase

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	"marketpulse/internal/repository"
	applogger "marketpulse/pkg/logger"
	"marketpulse/pkg/queue"
)

// Validator consumes raw collector events, enforces the event schema and
// forwards valid events onto the validated queue partitioned by category.
// Schema violations dead-letter immediately; they are never retried.
type Validator struct {
	fabric  queue.Fabric
	sources *repository.SourceTracker
	metrics domrepo.Metrics
	l       *applogger.Logger
	v       *validator.Validate
}

func NewValidator(fabric queue.Fabric, sources *repository.SourceTracker,
	metrics domrepo.Metrics, l *applogger.Logger) *Validator {
	return &Validator{
		fabric:  fabric,
		sources: sources,
		metrics: metrics,
		l:       l.With("validator"),
		v:       validator.New(),
	}
}

func (h *Validator) Queue() string { return queue.QueueRaw }

func (h *Validator) Handle(ctx context.Context, env *queue.Envelope) error {
	start := time.Now()
	ev, err := queue.Payload[models.Event](env)
	if err != nil {
		h.metrics.RecordError("malformed_input")
		return domain.Malformed("event decode: %v", err)
	}
	if err := h.v.Struct(ev); err != nil {
		h.metrics.RecordError("malformed_input")
		h.l.Warn("event failed validation",
			applogger.String("event_id", ev.ID),
			applogger.String("source", ev.Source),
			applogger.Error(err),
		)
		return domain.Malformed("event %s: %v", ev.ID, err)
	}
	if !ev.Category.Valid() {
		h.metrics.RecordError("malformed_input")
		return domain.Malformed("event %s: unknown category %q", ev.ID, ev.Category)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	if err := h.fabric.Publish(ctx, queue.QueueValidated, string(ev.Category), ev); err != nil {
		h.metrics.RecordError("transient_io")
		return domain.Transient(err)
	}

	h.sources.RecordEvent(ev.Source, ev.ReceivedAt)
	h.metrics.RecordEvent(string(ev.Category), "validated")
	h.metrics.RecordStageLatency("validate", time.Since(start).Seconds())
	return nil
}

var _ queue.Handler = (*Validator)(nil)
