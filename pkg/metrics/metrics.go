// Package metrics provides the Prometheus metrics of a sync run.
//
// A sync is a batch job, so metrics are not scraped from a long-lived
// process. A Collector registers its vectors on a caller-supplied
// registry and WriteTextfile dumps that registry for the node exporter's
// textfile collector once the run has finished.
//
// # Basic Usage
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewCollector(reg)
//
//	m.DescriptorProcessed("citation", "landed")
//	timer := metrics.NewTimer("normalize")
//	normalize(table)
//	m.ObserveStage(timer)
//
//	_ = metrics.WriteTextfile("/var/lib/node_exporter/dmapsync.prom", reg)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// Collector holds the sync metrics. A nil *Collector records nothing.
type Collector struct {
	descriptors           *prometheus.CounterVec   // descriptors by final outcome
	listingFailures       *prometheus.CounterVec   // failed listings
	convergenceViolations *prometheus.CounterVec   // non-empty relists
	bytesFetched          *prometheus.CounterVec   // raw payload bytes
	rowsLanded            *prometheus.CounterVec   // normalized rows written
	watermark             *prometheus.GaugeVec     // last_updated per endpoint
	stageDuration         *prometheus.HistogramVec // fetch/archive/parse/normalize/land
}

// NewCollector creates the metric vectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		descriptors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmap_descriptors_total",
				Help: "Dataset versions processed, by outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		listingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmap_listing_failures_total",
				Help: "Endpoint listings that failed",
			},
			[]string{"endpoint"},
		),
		convergenceViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmap_convergence_violations_total",
				Help: "Relists that returned datasets after the watermark advanced",
			},
			[]string{"endpoint"},
		),
		bytesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmap_bytes_fetched_total",
				Help: "Raw payload bytes downloaded",
			},
			[]string{"endpoint"},
		),
		rowsLanded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmap_rows_landed_total",
				Help: "Rows written to the landing area",
			},
			[]string{"endpoint"},
		),
		watermark: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dmap_watermark_timestamp_seconds",
				Help: "Latest last_updated recorded for an endpoint",
			},
			[]string{"endpoint"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dmap_stage_duration_seconds",
				Help: "Duration of pipeline stages",
				Buckets: []float64{
					0.01, // local parsing of small aggregates
					0.1,
					1,
					10,
					60, // large transactional downloads
					300,
					1800,
				},
			},
			[]string{"stage"},
		),
	}
}

// DescriptorProcessed counts one dataset version in its final outcome.
func (c *Collector) DescriptorProcessed(endpoint, outcome string) {
	if c == nil {
		return
	}
	c.descriptors.WithLabelValues(endpoint, outcome).Inc()
}

// ListingFailed counts a failed listing.
func (c *Collector) ListingFailed(endpoint string) {
	if c == nil {
		return
	}
	c.listingFailures.WithLabelValues(endpoint).Inc()
}

// ConvergenceViolated counts a non-empty relist.
func (c *Collector) ConvergenceViolated(endpoint string) {
	if c == nil {
		return
	}
	c.convergenceViolations.WithLabelValues(endpoint).Inc()
}

// BytesFetched adds n downloaded bytes.
func (c *Collector) BytesFetched(endpoint string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesFetched.WithLabelValues(endpoint).Add(float64(n))
}

// RowsLanded adds n landed rows.
func (c *Collector) RowsLanded(endpoint string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.rowsLanded.WithLabelValues(endpoint).Add(float64(n))
}

// SetWatermark publishes the watermark of an endpoint.
func (c *Collector) SetWatermark(endpoint string, t time.Time) {
	if c == nil {
		return
	}
	c.watermark.WithLabelValues(endpoint).Set(float64(t.UnixNano()) / 1e9)
}

// ObserveStage records the elapsed time of a stage timer.
func (c *Collector) ObserveStage(t *Timer) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(t.name).Observe(t.Stop().Seconds())
}

// WriteTextfile writes everything gathered by g to path in the text
// exposition format, replacing the file atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeStorage, "write metrics to %s", path)
	}
	return nil
}

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name is the stage label used by ObserveStage.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. The timer can be
// stopped multiple times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
