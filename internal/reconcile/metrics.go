package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricReconcileDiscrepanciesTotal = "reconcile_discrepancies_total"
	MetricReconcileCorrectionsTotal   = "reconcile_corrections_total"
	MetricReconcileUnresolved         = "reconcile_unresolved"
	MetricReconcileLastRunTimestamp   = "reconcile_last_run_timestamp_seconds"
)

// Metrics contains Prometheus metrics for reconciliation runs.
type Metrics struct {
	discrepancies prometheus.Counter
	corrections   prometheus.Counter
	unresolved    prometheus.Gauge
	lastRun       prometheus.Gauge
}

// NewMetrics creates reconciliation metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		discrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReconcileDiscrepanciesTotal,
			Help: "Total number of ownership discrepancies found",
		}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReconcileCorrectionsTotal,
			Help: "Total number of generation ownership corrections applied",
		}),
		unresolved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricReconcileUnresolved,
			Help: "Number of open cases queued for manual review in the last run",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricReconcileLastRunTimestamp,
			Help: "Unix timestamp of the last completed reconciliation run",
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
	return []prometheus.Collector{m.discrepancies, m.corrections, m.unresolved, m.lastRun}
}

func (m *Metrics) observe(r *Report) {
	if m == nil {
		return
	}
	m.discrepancies.Add(float64(r.Discrepancies))
	m.corrections.Add(float64(len(r.Corrected)))
	m.unresolved.Set(float64(len(r.Unresolved)))
	m.lastRun.Set(float64(r.FinishedAt.Unix()))
}
