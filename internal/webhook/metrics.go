package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricWebhookEventsTotal            = "webhook_events_total"
	MetricWebhookSignatureFailuresTotal = "webhook_signature_failures_total"
	MetricWebhookReplayedTotal          = "webhook_replayed_total"
)

// Metrics contains Prometheus metrics for webhook intake.
type Metrics struct {
	events            *prometheus.CounterVec
	signatureFailures *prometheus.CounterVec
	replayed          *prometheus.CounterVec
}

// NewMetrics creates webhook metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEventsTotal,
				Help: "Total number of webhook deliveries by provider and result",
			},
			[]string{"provider", "result"},
		),
		signatureFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookSignatureFailuresTotal,
				Help: "Total number of webhook deliveries rejected for their signature",
			},
			[]string{"provider", "reason"},
		),
		replayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookReplayedTotal,
				Help: "Total number of unprocessed webhook events replayed by result",
			},
			[]string{"provider", "result"},
		),
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
	return []prometheus.Collector{m.events, m.signatureFailures, m.replayed}
}

// SignatureRejected counts a delivery rejected by signature verification.
func (m *Metrics) SignatureRejected(provider, reason string) {
	if m == nil {
		return
	}
	m.signatureFailures.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) event(provider, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) replay(provider, result string) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(provider, result).Inc()
}
