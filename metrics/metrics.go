// Package metrics holds the scan counters. The CLI exports them in the
// node_exporter textfile format after a scan.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

const namespace = "depscan"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PackagesCollected  prometheus.Gauge
	SourceErrors       prometheus.Counter
	BatchesTotal       *prometheus.CounterVec
	FallbackQueries    prometheus.Counter
	Hydrations         prometheus.Counter
	VulnerablePackages prometheus.Gauge
	Vulnerabilities    *prometheus.CounterVec
	ScansTotal         *prometheus.CounterVec
	ScanDuration       prometheus.Histogram
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PackagesCollected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packages_collected",
			Help:      "Number of distinct packages found by the last collection",
		},
	)

	m.SourceErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Dependency sources that failed during collection",
		},
	)

	m.BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batch queries sent to OSV by outcome",
		},
		[]string{"outcome"},
	)

	m.FallbackQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_queries_total",
			Help:      "Single-package queries issued after a batch gave no data",
		},
	)

	m.Hydrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hydrations_total",
			Help:      "Full vulnerability records fetched for sparse batch results",
		},
	)

	m.VulnerablePackages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vulnerable_packages",
			Help:      "Packages with at least one known vulnerability in the last scan",
		},
	)

	m.Vulnerabilities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vulnerabilities_total",
			Help:      "Vulnerabilities reported by severity",
		},
		[]string{"severity"},
	)

	m.ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scans by terminal state",
		},
		[]string{"state"},
	)

	m.ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of a scan",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	m.registry.MustRegister(
		m.PackagesCollected,
		m.SourceErrors,
		m.BatchesTotal,
		m.FallbackQueries,
		m.Hydrations,
		m.VulnerablePackages,
		m.Vulnerabilities,
		m.ScansTotal,
		m.ScanDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Collected(packages, sourceErrors int) {
	if m == nil {
		return
	}
	m.PackagesCollected.Set(float64(packages))
	m.SourceErrors.Add(float64(sourceErrors))
}

func (m *Metrics) Batch(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fallback(n int) {
	if m == nil {
		return
	}
	m.FallbackQueries.Add(float64(n))
}

func (m *Metrics) Hydrated() {
	if m == nil {
		return
	}
	m.Hydrations.Inc()
}

// Result records one emitted package with the labels of its vulnerabilities.
func (m *Metrics) Result(severities []string) {
	if m == nil || len(severities) == 0 {
		return
	}
	m.VulnerablePackages.Inc()
	for _, s := range severities {
		m.Vulnerabilities.WithLabelValues(s).Inc()
	}
}

// Started resets the per-scan gauges.
func (m *Metrics) Started() {
	if m == nil {
		return
	}
	m.PackagesCollected.Set(0)
	m.VulnerablePackages.Set(0)
}

func (m *Metrics) Finished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(state).Inc()
	m.ScanDuration.Observe(d.Seconds())
}

// WriteToTextfile writes the registry atomically to path.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return xerrors.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
