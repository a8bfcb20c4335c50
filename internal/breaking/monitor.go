package breaking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/domain"
	"marketpulse/internal/domain/models"
	domrepo "marketpulse/internal/domain/repository"
	"marketpulse/internal/repository"
	applogger "marketpulse/pkg/logger"
	"marketpulse/pkg/queue"
)

// Router classifies validated events and copies urgent ones onto the
// breaking queue. It runs in its own consumer group so the normal-path
// researcher sees every event regardless.
type Router struct {
	fabric    queue.Fabric
	threshold int
	sources   *repository.SourceTracker
	metrics   domrepo.Metrics
	l         *applogger.Logger
}

func NewRouter(fabric queue.Fabric, threshold int, sources *repository.SourceTracker,
	metrics domrepo.Metrics, l *applogger.Logger) *Router {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Router{fabric: fabric, threshold: threshold, sources: sources, metrics: metrics, l: l.With("breaking_router")}
}

func (r *Router) Queue() string { return queue.QueueValidated }

func (r *Router) Handle(ctx context.Context, env *queue.Envelope) error {
	ev, err := queue.Payload[models.Event](env)
	if err != nil {
		return domain.Malformed("breaking router decode: %v", err)
	}
	score := Classify(ev)
	ev.UrgencyScore = &score
	if score < r.threshold {
		return nil
	}
	if err := r.fabric.Publish(ctx, queue.QueueBreaking, string(ev.Category), ev); err != nil {
		return domain.Transient(err)
	}
	r.sources.RecordBreaking(ev.Source)
	r.metrics.RecordEvent(string(ev.Category), "breaking_routed")
	r.l.Info("event took fast path",
		applogger.String("event_id", ev.ID),
		applogger.String("category", string(ev.Category)),
		applogger.Int("urgency", score),
	)
	return nil
}

// Monitor consumes the breaking queue and injects each urgent event into its
// category's analysis queue as a singleton context, skipping batching. A
// fixed-cadence scanner reports fast-path volume so a stalled breaking
// consumer is visible.
type Monitor struct {
	fabric  queue.Fabric
	summary domrepo.SummaryCache
	metrics domrepo.Metrics
	l       *applogger.Logger

	handled atomic.Int64

	scanInterval time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewMonitor(fabric queue.Fabric, summary domrepo.SummaryCache, scanInterval time.Duration,
	metrics domrepo.Metrics, l *applogger.Logger) *Monitor {
	if scanInterval <= 0 {
		scanInterval = 5 * time.Minute
	}
	return &Monitor{
		fabric:       fabric,
		summary:      summary,
		metrics:      metrics,
		l:            l.With("breaking_monitor"),
		scanInterval: scanInterval,
		stopChan:     make(chan struct{}),
	}
}

func (m *Monitor) Queue() string { return queue.QueueBreaking }

func (m *Monitor) Handle(ctx context.Context, env *queue.Envelope) error {
	ev, err := queue.Payload[models.Event](env)
	if err != nil {
		return domain.Malformed("breaking monitor decode: %v", err)
	}

	prior, err := m.summary.Summary(ctx, ev.Category)
	if err != nil {
		prior = "" // urgency beats completeness here
	}
	actx := &models.AnalysisContext{
		ID:           uuid.NewString(),
		Category:     ev.Category,
		Events:       []models.Event{*ev},
		PriorSummary: prior,
		Breaking:     true,
		AssembledAt:  time.Now().UTC(),
	}
	if err := m.fabric.Publish(ctx, queue.AnalysisQueue(string(ev.Category)), string(ev.Category), actx); err != nil {
		return domain.Transient(err)
	}

	m.handled.Add(1)
	m.metrics.RecordEvent(string(ev.Category), "breaking_context")
	return nil
}

// Start launches the cadence scanner.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.scanInterval)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-ticker.C:
				total := m.handled.Load()
				m.l.Info("breaking scan",
					applogger.Int64("fast_path_total", total),
					applogger.Int64("since_last_scan", total-last),
				)
				last = total
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

var (
	_ queue.Handler = (*Router)(nil)
	_ queue.Handler = (*Monitor)(nil)
)
