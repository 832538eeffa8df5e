// Package metrics records restore outcomes in a node_exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "pg_staging"

// Metrics holds the gauges and counters of one pg-staging invocation.
type Metrics struct {
	registry *prometheus.Registry

	restoreDuration    prometheus.Gauge
	restoreSize        prometheus.Gauge
	restoreTotal       prometheus.Counter
	restoreFailures    *prometheus.CounterVec
	lastRestoreTime    prometheus.Gauge
	lastRestoreSuccess prometheus.Gauge
	catalogEntries     *prometheus.GaugeVec
}

// New registers the metrics on a private registry, so several instances can
// coexist in one process.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		restoreDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restore_duration_seconds",
			Help:      "Duration of the last restore in seconds",
		}),
		restoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restore_size_bytes",
			Help:      "Size of the last restored database in bytes",
		}),
		restoreTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Total number of restores attempted",
		}),
		restoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_failures_total",
			Help:      "Total number of failed restores by failed step",
		}, []string{"step"}),
		lastRestoreTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_restore_timestamp",
			Help:      "Timestamp of the last restore attempt",
		}),
		lastRestoreSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_restore_success",
			Help:      "Whether the last restore was successful (1) or not (0)",
		}),
		catalogEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_entries",
			Help:      "Catalog entries of the last restore by verdict",
		}, []string{"verdict"}),
	}

	m.registry.MustRegister(
		m.restoreDuration,
		m.restoreSize,
		m.restoreTotal,
		m.restoreFailures,
		m.lastRestoreTime,
		m.lastRestoreSuccess,
		m.catalogEntries,
	)

	return m
}

// RecordRestoreSuccess records a completed restore.
func (m *Metrics) RecordRestoreSuccess(duration time.Duration, sizeBytes int64, kept, excluded int) {
	m.restoreTotal.Inc()
	m.restoreDuration.Set(duration.Seconds())
	m.restoreSize.Set(float64(sizeBytes))
	m.catalogEntries.WithLabelValues("kept").Set(float64(kept))
	m.catalogEntries.WithLabelValues("excluded").Set(float64(excluded))
	m.lastRestoreTime.SetToCurrentTime()
	m.lastRestoreSuccess.Set(1)
}

// RecordRestoreFailure records a restore that stopped at step.
func (m *Metrics) RecordRestoreFailure(step string) {
	m.restoreTotal.Inc()
	m.restoreFailures.WithLabelValues(step).Inc()
	m.lastRestoreTime.SetToCurrentTime()
	m.lastRestoreSuccess.Set(0)
}

// WriteTextfile atomically writes the metrics in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Gatherer exposes the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
