package generation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/vidcredit/internal/ledger"
)

// Metric names.
const (
	MetricGenerationTransitionsTotal    = "generation_transitions_total"
	MetricGenerationDispatchFailures    = "generation_dispatch_failures_total"
	MetricGenerationStaleRecoveredTotal = "generation_stale_recovered_total"
)

// Metrics contains Prometheus metrics for the generation lifecycle.
type Metrics struct {
	transitions    *prometheus.CounterVec
	dispatchFailed prometheus.Counter
	staleRecovered prometheus.Counter
}

// NewMetrics creates generation metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricGenerationTransitionsTotal,
				Help: "Total number of generation state transitions by target status",
			},
			[]string{"status"},
		),
		dispatchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricGenerationDispatchFailures,
			Help: "Total number of generations the provider did not accept",
		}),
		staleRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricGenerationStaleRecoveredTotal,
			Help: "Total number of stuck generations failed and refunded by the sweep",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.transitions, m.dispatchFailed, m.staleRecovered}
}

func (m *Metrics) transitioned(to ledger.GenerationStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) dispatchFailure() {
	if m == nil {
		return
	}
	m.dispatchFailed.Inc()
}

func (m *Metrics) recovered(n int) {
	if m == nil {
		return
	}
	m.staleRecovered.Add(float64(n))
}
