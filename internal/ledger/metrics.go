package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricLedgerOperationsTotal = "ledger_operations_total"
	MetricLedgerRetriesTotal    = "ledger_retries_total"
	MetricLedgerCreditsTotal    = "ledger_credits_total"
)

// Metrics contains Prometheus metrics for ledger operations.
type Metrics struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
	credits    *prometheus.CounterVec
}

// NewMetrics creates ledger metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerOperationsTotal,
				Help: "Total number of ledger operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerRetriesTotal,
				Help: "Total number of ledger units retried after a dependency failure",
			},
			[]string{"operation"},
		),
		credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerCreditsTotal,
				Help: "Total credits moved by transaction kind",
			},
			[]string{"kind"},
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
	return []prometheus.Collector{m.operations, m.retries, m.credits}
}

func (m *Metrics) observe(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) retried(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) moved(kind TransactionKind, amount int64) {
	if m == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.credits.WithLabelValues(string(kind)).Add(float64(amount))
}
