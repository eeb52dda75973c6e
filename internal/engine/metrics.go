package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of one engine. A nil *Metrics
// records nothing.
type Metrics struct {
	// transitions counts transitions by outcome.
	// Labels: outcome (applied, rejected, discarded, failed), event (event kind)
	transitions *prometheus.CounterVec

	// requests counts emitted effect requests.
	// Labels: kind (effect kind)
	requests *prometheus.CounterVec

	// duration measures how long a transition takes, index update and view
	// included.
	duration prometheus.Histogram

	entities prometheus.Gauge
	pending  prometheus.Gauge
	halted   prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geocore",
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Total transitions by outcome and event kind",
		}, []string{"outcome", "event"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geocore",
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Total effect requests emitted by effect kind",
		}, []string{"kind"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geocore",
			Subsystem: "engine",
			Name:      "transition_duration_seconds",
			Help:      "Transition latency in seconds",
			Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
		}),
		entities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "geocore",
			Subsystem: "engine",
			Name:      "entities",
			Help:      "Entities in the current model",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "geocore",
			Subsystem: "engine",
			Name:      "pending_requests",
			Help:      "Effect requests awaiting a response",
		}),
		halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "geocore",
			Subsystem: "engine",
			Name:      "halted",
			Help:      "1 once the engine halted after a fatal error",
		}),
	}
}

func (m *Metrics) observe(t Transition, took time.Duration) {
	if m == nil {
		return
	}
	kind := ""
	if t.Event != nil {
		kind = t.Event.Kind()
	}
	m.transitions.WithLabelValues(string(t.Outcome), kind).Inc()
	m.duration.Observe(took.Seconds())
	for _, r := range t.Requests {
		m.requests.WithLabelValues(r.Kind()).Inc()
	}
}

func (m *Metrics) state(entities, pending int) {
	if m == nil {
		return
	}
	m.entities.Set(float64(entities))
	m.pending.Set(float64(pending))
}

func (m *Metrics) halt() {
	if m == nil {
		return
	}
	m.halted.Set(1)
}
