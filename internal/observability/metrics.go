package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/couchcryptid/sc2gpkg/internal/domain"
)

const namespace = "sc2gpkg"

// Metrics holds the Prometheus counters, histograms, and gauges for a conversion run.
type Metrics struct {
	RecordsRead      prometheus.Counter
	RecordsRejected  *prometheus.CounterVec // labels: reason
	FeaturesWritten  *prometheus.CounterVec // labels: format={gpkg,shapefile}
	RunDuration      prometheus.Histogram
	StageDuration    *prometheus.HistogramVec // labels: stage={load,extract,write}
	LastRunTimestamp prometheus.Gauge
	LastRunSuccess   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates all run metrics on a private registry, so a process can
// hold several Metrics and write each one out on its own.
func NewMetrics() *Metrics {
	m := &Metrics{
		RecordsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_read_total",
			Help:      "Total raw records read from the input export.",
		}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Records that failed validation, by reason.",
		}, []string{"reason"}),
		FeaturesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "features_written_total",
			Help:      "Point features written, by output format.",
		}, []string{"format"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete load-extract-write run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each run stage.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"stage"}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last run finished.",
		}),
		LastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 when the last run completed, 0 when it failed.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RecordsRead,
		m.RecordsRejected,
		m.FeaturesWritten,
		m.RunDuration,
		m.StageDuration,
		m.LastRunTimestamp,
		m.LastRunSuccess,
	)

	// Pre-create the reason series so a clean run still reports zeros.
	for _, r := range domain.Reasons() {
		m.RecordsRejected.WithLabelValues(string(r))
	}

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the current metric values in the Prometheus text
// format, for collection by a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
