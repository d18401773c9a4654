// Package metrics exposes Prometheus collectors for fetch cycles and exports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskmon"

// Metrics holds all monitor metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Counters
	CyclesTotal   *prometheus.CounterVec
	DroppedTotal  prometheus.Counter
	ExportsTotal  *prometheus.CounterVec
	ExportedBytes *prometheus.CounterVec

	// Gauges
	InFlight        prometheus.Gauge
	Transactions    prometheus.Gauge
	Anomalies       prometheus.Gauge
	LastSuccessTime prometheus.Gauge

	// Histograms
	CycleDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_cycles_total",
			Help:      "Completed fetch cycles by outcome",
		},
		[]string{"status"}, // "success", "error"
	)
	m.DroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_cycles_dropped_total",
			Help:      "Refresh requests dropped because a cycle was in flight",
		},
	)
	m.ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Exports handed to the sink by dataset, format and outcome",
		},
		[]string{"dataset", "format", "status"},
	)
	m.ExportedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exported_bytes_total",
			Help:      "Bytes saved to the export sink",
		},
		[]string{"format"},
	)

	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fetch_cycle_in_flight",
		Help:      "1 while a fetch cycle is running",
	})
	m.Transactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_transactions",
		Help:      "Transactions in the current snapshot",
	})
	m.Anomalies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_anomalies",
		Help:      "Anomalies in the current snapshot",
	})
	m.LastSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful fetch cycle",
	})

	m.CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_cycle_duration_seconds",
		Help:      "Duration of fetch cycles",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	m.registry.MustRegister(
		m.CyclesTotal,
		m.DroppedTotal,
		m.ExportsTotal,
		m.ExportedBytes,
		m.InFlight,
		m.Transactions,
		m.Anomalies,
		m.LastSuccessTime,
		m.CycleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CycleStarted() {
	if m == nil {
		return
	}
	m.InFlight.Set(1)
}

// CycleSucceeded records a cycle that published fresh data.
func (m *Metrics) CycleSucceeded(d time.Duration, transactions, anomalies int, at time.Time) {
	if m == nil {
		return
	}
	m.InFlight.Set(0)
	m.CyclesTotal.WithLabelValues("success").Inc()
	m.CycleDuration.Observe(d.Seconds())
	m.Transactions.Set(float64(transactions))
	m.Anomalies.Set(float64(anomalies))
	m.LastSuccessTime.Set(float64(at.Unix()))
}

func (m *Metrics) CycleFailed(d time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Set(0)
	m.CyclesTotal.WithLabelValues("error").Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) CycleDropped() {
	if m == nil {
		return
	}
	m.DroppedTotal.Inc()
}

// Exported records one export attempt; size is only counted on success.
func (m *Metrics) Exported(dataset, format string, size int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ExportsTotal.WithLabelValues(dataset, format, status).Inc()
	if err == nil {
		m.ExportedBytes.WithLabelValues(format).Add(float64(size))
	}
}
