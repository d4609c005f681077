// Package metrics exposes the campaign's Prometheus instrumentation —
// updated inline by the scheduler (G) at classification time rather
// than by a separate polling collector, since there is no long-lived
// cluster state to sample between ticks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClassificationsTotal counts terminal classifications by tag.
	ClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crashfuzz_classifications_total",
			Help: "Total number of terminal iteration classifications by tag",
		},
		[]string{"classification"},
	)

	IterationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crashfuzz_iterations_in_flight",
			Help: "Number of campaign iterations currently running",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crashfuzz_queue_depth",
			Help: "Number of campaign nodes waiting in the worker queue",
		},
	)

	IterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crashfuzz_iteration_duration_seconds",
			Help:    "Wall-clock duration of a single runIteration call",
			Buckets: prometheus.DefBuckets,
		},
	)

	AvailabilityWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crashfuzz_availability_wait_seconds",
			Help:    "Time spent polling wait-until-available before success or timeout",
			Buckets: prometheus.DefBuckets,
		},
	)

	SerializationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crashfuzz_serialization_conflicts_total",
			Help: "Total number of serialization conflicts observed by the workload oracle",
		},
	)

	ContainerCommandErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crashfuzz_container_command_errors_total",
			Help: "Total number of non-zero exits from container facade scripts",
		},
		[]string{"script"},
	)
)

func init() {
	prometheus.MustRegister(
		ClassificationsTotal,
		IterationsInFlight,
		QueueDepth,
		IterationDuration,
		AvailabilityWaitDuration,
		SerializationConflictsTotal,
		ContainerCommandErrorsTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration against a labeled
// histogram vector's child with the given label values.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labelValues ...string) {
	histogramVec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
