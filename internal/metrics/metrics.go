// Package metrics holds the Prometheus collectors for the capture pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts connection attempts by terminal outcome:
	// "recorded", "dropped", "saturated".
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decoy_attempts_total",
			Help: "Decoy connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	AcceptErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decoy_accept_errors_total",
			Help: "Transient errors returned by the decoy accept loop",
		},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "decoy_attempts_in_flight",
			Help: "Attempts currently being resolved, enriched or recorded",
		},
	)

	EnrichDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decoy_enrich_duration_seconds",
			Help:    "Geolocation lookup latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	RetainedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "decoy_retained_events",
			Help: "Capture events currently held in the log",
		},
	)

	PersistErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decoy_persist_errors_total",
			Help: "Appends kept in memory but not written to storage",
		},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decoy_geo_breaker_state",
			Help: "Geolocation circuit breaker state",
		},
		[]string{"name"},
	)

	ForwardErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decoy_gateway_forward_errors_total",
			Help: "Recorded captures the gateway failed to accept",
		},
	)
)
