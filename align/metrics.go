package align

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	registrationIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slicealign",
			Subsystem: "registration",
			Name:      "iterations_total",
			Help:      "Optimizer iterations by stage.",
		},
		[]string{"stage"},
	)
	registrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "slicealign",
			Subsystem: "registration",
			Name:      "duration_seconds",
			Help:      "Wall time of a complete registration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	registrationDivergences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slicealign",
			Subsystem: "registration",
			Name:      "divergences_total",
			Help:      "Registrations that fell back to the affine-only transform.",
		},
	)
	shapesExported = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slicealign",
			Subsystem: "export",
			Name:      "shapes_total",
			Help:      "Excision shapes exported.",
		},
	)
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slicealign",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)
	pipelineWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slicealign",
			Subsystem: "pipeline",
			Name:      "warnings_total",
			Help:      "Pipeline warnings by kind.",
		},
		[]string{"kind"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slicealign",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slicealign",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// RegisterMetrics registers every collector with the default registry. Safe
// to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			registrationIterations, registrationDuration, registrationDivergences,
			shapesExported, pipelineRuns, pipelineWarnings,
			httpRequests, httpDuration,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
