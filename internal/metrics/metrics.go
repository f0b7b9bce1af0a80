// Package metrics exposes the Prometheus instrumentation for the
// admission pipeline. Collectors are registered once at init via
// promauto and shared process-wide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_requests_total",
			Help: "Total number of requests entering the admission pipeline",
		},
		[]string{"method", "route"},
	)

	RequestsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_requests_blocked_total",
			Help: "Total number of requests rejected before the business handler",
		},
		[]string{"reason"},
	)

	RequestsAllowed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatehouse_requests_allowed_total",
			Help: "Total number of requests admitted to the business handler",
		},
	)

	AdmissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatehouse_admission_duration_seconds",
			Help:    "Time spent deciding admission per request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"decision"},
	)

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatehouse_store_op_duration_seconds",
			Help:    "Latency of backing store operations",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op", "outcome"},
	)

	SanitizerViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_sanitizer_violations_total",
			Help: "Total sanitization violations recorded by rule",
		},
		[]string{"rule"},
	)

	BlockedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatehouse_blocked_ips",
			Help: "Number of IPs currently carrying an unexpired block",
		},
	)

	TrackedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatehouse_tracked_ips",
			Help: "Number of IPs with a live score entry",
		},
	)

	GlobalThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatehouse_global_throttled_total",
			Help: "Total requests shed by the process-wide throttle",
		},
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_config_reloads_total",
			Help: "Total number of configuration reloads by trigger",
		},
		[]string{"trigger"},
	)
)
