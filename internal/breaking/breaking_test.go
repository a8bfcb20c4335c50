package breaking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain/models"
	"marketpulse/internal/repository"
	"marketpulse/pkg/logger"
	"marketpulse/pkg/metrics"
	"marketpulse/pkg/queue"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		payload   string
		relevance float64
		want      int
	}{
		{"breaking keyword", "BREAKING: markets tumble", 0.0, 80},
		{"flash keyword", "flash update on rates", 0.0, 75},
		{"urgent keyword", "urgent recount ordered", 0.0, 70},
		{"just in phrase", "Just In: final whistle", 0.0, 70},
		{"alert keyword", "weather alert issued", 0.0, 60},
		{"developing keyword", "developing story", 0.0, 50},
		{"important keyword", "important notice", 0.0, 40},
		{"no keyword", "routine quarterly recap", 0.0, 0},
		{"relevance adds up to twenty", "routine quarterly recap", 1.0, 20},
		{"strongest marker wins", "breaking and developing", 0.25, 85},
		{"capped at hundred", "breaking breaking breaking", 1.0, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := &models.Event{Payload: tc.payload, RelevanceScore: tc.relevance}
			assert.Equal(t, tc.want, Classify(ev))
		})
	}
}

type capturedEnvelopes struct {
	name string
	got  chan *queue.Envelope
}

func (c *capturedEnvelopes) Queue() string { return c.name }

func (c *capturedEnvelopes) Handle(_ context.Context, env *queue.Envelope) error {
	c.got <- env
	return nil
}

func startedFabric(t *testing.T, handlers ...queue.Handler) *queue.Memory {
	t.Helper()
	m := queue.NewMemory()
	for _, h := range handlers {
		require.NoError(t, m.Subscribe(h, queue.WithGroup("test")))
	}
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Stop(ctx))
	})
	return m
}

func envelope(t *testing.T, q string, v any) *queue.Envelope {
	t.Helper()
	env, err := queue.NewEnvelope(q, "p", v)
	require.NoError(t, err)
	return env
}

func TestRouterLiftsUrgentEvents(t *testing.T) {
	sink := &capturedEnvelopes{name: queue.QueueBreaking, got: make(chan *queue.Envelope, 1)}
	fabric := startedFabric(t, sink)
	r := NewRouter(fabric, DefaultThreshold, repository.NewSourceTracker(), metrics.Nop{}, logger.Nop())

	ev := models.Event{
		ID:             "e-1",
		Source:         "wire",
		Category:       models.CategoryPolitical,
		Payload:        "BREAKING: snap election called",
		RelevanceScore: 0.9,
	}
	require.NoError(t, r.Handle(context.Background(), envelope(t, queue.QueueValidated, ev)))

	select {
	case env := <-sink.got:
		routed, err := queue.Payload[models.Event](env)
		require.NoError(t, err)
		assert.Equal(t, "e-1", routed.ID)
		require.NotNil(t, routed.UrgencyScore)
		assert.GreaterOrEqual(t, *routed.UrgencyScore, DefaultThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("urgent event never routed")
	}
}

func TestRouterIgnoresCalmEvents(t *testing.T) {
	sink := &capturedEnvelopes{name: queue.QueueBreaking, got: make(chan *queue.Envelope, 1)}
	fabric := startedFabric(t, sink)
	r := NewRouter(fabric, DefaultThreshold, repository.NewSourceTracker(), metrics.Nop{}, logger.Nop())

	ev := models.Event{
		ID:             "e-2",
		Source:         "wire",
		Category:       models.CategorySports,
		Payload:        "weekly league roundup",
		RelevanceScore: 0.6,
	}
	require.NoError(t, r.Handle(context.Background(), envelope(t, queue.QueueValidated, ev)))

	select {
	case <-sink.got:
		t.Fatal("calm event must stay on the normal path")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorBuildsSingletonContext(t *testing.T) {
	sink := &capturedEnvelopes{
		name: queue.AnalysisQueue(string(models.CategoryEconomic)),
		got:  make(chan *queue.Envelope, 1),
	}
	fabric := startedFabric(t, sink)
	store := repository.NewMemoryStore()
	require.NoError(t, store.SetSummary(context.Background(), models.CategoryEconomic, "rates rising", time.Hour))

	m := NewMonitor(fabric, store, time.Minute, metrics.Nop{}, logger.Nop())

	ev := models.Event{
		ID:             "e-3",
		Source:         "wire",
		Category:       models.CategoryEconomic,
		Payload:        "FLASH: emergency rate cut",
		RelevanceScore: 1.0,
	}
	require.NoError(t, m.Handle(context.Background(), envelope(t, queue.QueueBreaking, ev)))

	select {
	case env := <-sink.got:
		actx, err := queue.Payload[models.AnalysisContext](env)
		require.NoError(t, err)
		assert.True(t, actx.Breaking)
		require.Len(t, actx.Events, 1)
		assert.Equal(t, "e-3", actx.Events[0].ID)
		assert.Equal(t, "rates rising", actx.PriorSummary)
	case <-time.After(5 * time.Second):
		t.Fatal("breaking context never published")
	}
	assert.Equal(t, int64(1), m.handled.Load())
}

func TestMonitorStartStop(t *testing.T) {
	fabric := startedFabric(t)
	m := NewMonitor(fabric, repository.NewMemoryStore(), 10*time.Millisecond, metrics.Nop{}, logger.Nop())
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}
