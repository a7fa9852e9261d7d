// Package metrics exposes Prometheus collectors for runs, blocked attempts
// and container lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of sandboxed executions by outcome",
		},
		[]string{"language", "outcome"}, // outcome: passed, failed, compile_error, timeout, unavailable, invalid
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_ms",
			Help:    "Wall-clock duration of a sandboxed execution in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000, 30000},
		},
		[]string{"language"},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_container_creation_ms",
			Help:    "Time to create and start a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	ActiveContainers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_containers",
			Help: "Number of sandbox containers currently running",
		},
	)

	BlockedAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_blocked_attempts_total",
			Help: "Submissions refused by the rate limiter or the daily quota",
		},
		[]string{"reason"}, // rate_limited, quota_exceeded
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_submissions_total",
			Help: "Submissions reaching a terminal status",
		},
		[]string{"kind", "status"},
	)

	HTTPThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_http_throttled_total",
			Help: "Requests rejected by the per-IP throttle",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
