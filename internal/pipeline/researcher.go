package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	applogger "marketpulse/pkg/logger"
	"marketpulse/pkg/queue"
)

// ResearcherConfig tunes the batching researcher.
type ResearcherConfig struct {
	BatchWindow time.Duration
	BatchMax    int
	DedupTTL    time.Duration
	SummaryTTL  time.Duration
}

// Researcher consumes validated events, drops duplicates, and assembles
// per-category analysis contexts. A context is flushed when the batch window
// elapses or the batch cap is hit, whichever comes first. Batches never mix
// categories.
type Researcher struct {
	cfg     ResearcherConfig
	fabric  queue.Fabric
	dedup   domrepo.DedupIndex
	summary domrepo.SummaryCache
	caps    Capabilities
	metrics domrepo.Metrics
	l       *applogger.Logger

	mu      sync.Mutex
	batches map[models.Category]*batch

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type batch struct {
	events  []models.Event
	started time.Time
}

func NewResearcher(cfg ResearcherConfig, fabric queue.Fabric, dedup domrepo.DedupIndex,
	summary domrepo.SummaryCache, caps Capabilities, metrics domrepo.Metrics, l *applogger.Logger) *Researcher {
	return &Researcher{
		cfg:      cfg,
		fabric:   fabric,
		dedup:    dedup,
		summary:  summary,
		caps:     caps,
		metrics:  metrics,
		l:        l.With("researcher"),
		batches:  make(map[models.Category]*batch),
		stopChan: make(chan struct{}),
	}
}

func (r *Researcher) Queue() string { return queue.QueueValidated }

// Handle buffers one validated event into its category batch. Duplicates
// (same source and content within the dedup TTL) are acknowledged silently.
func (r *Researcher) Handle(ctx context.Context, env *queue.Envelope) error {
	ev, err := queue.Payload[models.Event](env)
	if err != nil {
		return domain.Malformed("researcher decode: %v", err)
	}

	dup, err := r.dedup.MarkSeen(ctx, ev.ContentHash(), r.cfg.DedupTTL)
	if err != nil {
		return err // transient, fabric retries
	}
	if dup {
		r.metrics.RecordEvent(string(ev.Category), "deduped")
		return nil
	}

	var full []models.Event
	r.mu.Lock()
	b, ok := r.batches[ev.Category]
	if !ok {
		b = &batch{started: time.Now()}
		r.batches[ev.Category] = b
	}
	b.events = append(b.events, *ev)
	if len(b.events) >= r.cfg.BatchMax {
		full = b.events
		delete(r.batches, ev.Category)
	}
	r.mu.Unlock()

	r.metrics.RecordEvent(string(ev.Category), "batched")
	if full != nil {
		return r.flush(ctx, ev.Category, full)
	}
	return nil
}

// Start launches the window ticker. The ticker granularity is a quarter of
// the batch window so a batch is flushed at most 1.25 windows after its
// first event.
func (r *Researcher) Start() {
	interval := r.cfg.BatchWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.flushExpired()
			case <-r.stopChan:
				r.flushAll()
				return
			}
		}
	}()
}

// Stop flushes remaining batches and stops the ticker.
func (r *Researcher) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func (r *Researcher) flushExpired() {
	now := time.Now()
	var due []struct {
		category models.Category
		events   []models.Event
	}
	r.mu.Lock()
	for c, b := range r.batches {
		if now.Sub(b.started) >= r.cfg.BatchWindow {
			due = append(due, struct {
				category models.Category
				events   []models.Event
			}{c, b.events})
			delete(r.batches, c)
		}
	}
	r.mu.Unlock()

	for _, d := range due {
		if err := r.flush(context.Background(), d.category, d.events); err != nil {
			r.l.Error("batch flush failed",
				applogger.String("category", string(d.category)),
				applogger.Error(err),
			)
			r.metrics.RecordError("batch_flush")
		}
	}
}

func (r *Researcher) flushAll() {
	r.mu.Lock()
	rest := r.batches
	r.batches = make(map[models.Category]*batch)
	r.mu.Unlock()
	for c, b := range rest {
		if err := r.flush(context.Background(), c, b.events); err != nil {
			r.l.Error("final batch flush failed",
				applogger.String("category", string(c)),
				applogger.Error(err),
			)
		}
	}
}

// flush assembles and publishes one analysis context.
func (r *Researcher) flush(ctx context.Context, category models.Category, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()

	prior, err := r.summary.Summary(ctx, category)
	if err != nil {
		r.l.Warn("prior summary unavailable",
			applogger.String("category", string(category)),
			applogger.Error(err),
		)
		prior = "" // context is still useful without it
	}

	summary, err := r.caps.Summarize(ctx, category, events)
	if err != nil {
		return err
	}
	if summary != "" {
		if err := r.summary.SetSummary(ctx, category, summary, r.cfg.SummaryTTL); err != nil {
			r.l.Warn("summary store failed", applogger.Error(err))
		}
	}

	actx := &models.AnalysisContext{
		ID:           uuid.NewString(),
		Category:     category,
		Events:       events,
		PriorSummary: prior,
		AssembledAt:  time.Now().UTC(),
	}
	if err := r.fabric.Publish(ctx, queue.AnalysisQueue(string(category)), string(category), actx); err != nil {
		return domain.Transient(err)
	}

	r.metrics.RecordEvent(string(category), "context_assembled")
	r.metrics.RecordStageLatency("research", time.Since(start).Seconds())
	r.l.Info("analysis context assembled",
		applogger.String("category", string(category)),
		applogger.String("context_id", actx.ID),
		applogger.Int("events", len(events)),
	)
	return nil
}

var _ queue.Handler = (*Researcher)(nil)
