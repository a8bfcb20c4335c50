package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus implements the application Metrics interface on top of
// prometheus collectors. Safe for concurrent use.
type Prometheus struct {
	events       *prometheus.CounterVec
	verdicts     *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	exposure     *prometheus.GaugeVec
}

// New registers collectors on the default registry and returns the facade.
// Call once per process.
func New() *Prometheus {
	return &Prometheus{
		events: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_events_total",
			Help: "Events processed, partitioned by category and pipeline stage",
		}, []string{"category", "stage"}),
		verdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_risk_verdicts_total",
			Help: "Risk verdicts issued, partitioned by category and outcome",
		}, []string{"category", "outcome"}),
		stageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketpulse_stage_latency_seconds",
			Help:    "Per-stage processing latency",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60},
		}, []string{"stage"}),
		errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_errors_total",
			Help: "Errors by taxonomy kind",
		}, []string{"kind"}),
		exposure: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketpulse_category_exposure_fraction",
			Help: "Current portfolio exposure per category as a fraction of capital",
		}, []string{"category"}),
	}
}

func (p *Prometheus) RecordEvent(category, stage string) {
	p.events.WithLabelValues(category, stage).Inc()
}

func (p *Prometheus) RecordVerdict(category, outcome string) {
	p.verdicts.WithLabelValues(category, outcome).Inc()
}

func (p *Prometheus) RecordStageLatency(stage string, seconds float64) {
	p.stageLatency.WithLabelValues(stage).Observe(seconds)
}

func (p *Prometheus) RecordError(kind string) {
	p.errors.WithLabelValues(kind).Inc()
}

func (p *Prometheus) RecordExposure(category string, fraction float64) {
	p.exposure.WithLabelValues(category).Set(fraction)
}

// Nop is a metrics sink that discards everything. Used in tests.
type Nop struct{}

func (Nop) RecordEvent(string, string)          {}
func (Nop) RecordVerdict(string, string)        {}
func (Nop) RecordStageLatency(string, float64)  {}
func (Nop) RecordError(string)                  {}
func (Nop) RecordExposure(string, float64)      {}
