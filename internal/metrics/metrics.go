// Package metrics defines the Prometheus metrics exported by flowtrace.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace           = "flowtrace"
	serverSubsystem     = "server"
	correlatorSubsystem = "correlator"
	backendSubsystem    = "backend"

	connectionsInFlightName       = "in_flight_connections"
	connectionDurationName        = "connection_duration_seconds"
	connectionsLimitedName        = "concurrent_limited_connections_total"
	pendingRequestsName           = "pending_requests"
	correlatedResponsesName       = "correlated_responses_total"
	protocolViolationsName        = "protocol_violations_total"
	requestDurationName           = "request_duration_seconds"
	backendRequestsTotalName      = "requests_total"
	backendRequestDurationSeconds = "request_duration_seconds"
)

var (
	latencyBuckets = []float64{
		0.005, /* 5ms */
		0.025, /* 25ms */
		0.1,   /* 100ms */
		0.5,   /* 500ms */
		1.0,   /* 1s */
		10.0,  /* 10s */
		30.0,  /* 30s */
		60.0,  /* 1m */
		300.0, /* 5m */
	}

	ConnectionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: serverSubsystem,
			Name:      connectionsInFlightName,
			Help:      "A gauge of connections currently being served by flowtrace.",
		},
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: serverSubsystem,
			Name:      connectionDurationName,
			Help:      "A histogram of connection lifetimes in flowtrace.",
			Buckets:   latencyBuckets,
		},
	)

	ConnectionsLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serverSubsystem,
			Name:      connectionsLimitedName,
			Help:      "The number of times the concurrent connections limit was hit.",
		},
	)

	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: correlatorSubsystem,
			Name:      pendingRequestsName,
			Help:      "A gauge of requests forwarded to the application whose responses have not been sent yet.",
		},
	)

	CorrelatedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: correlatorSubsystem,
			Name:      correlatedResponsesName,
			Help:      "A counter of responses paired with their request, by whether the request was traced.",
		},
		[]string{"traced"},
	)

	ProtocolViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: correlatorSubsystem,
			Name:      protocolViolationsName,
			Help:      "The number of stages torn down because a collaborator broke the port protocol.",
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      requestDurationName,
			Help:      "A histogram of traced request latencies, from arrival to response.",
			Buckets:   latencyBuckets,
		},
		[]string{"command"},
	)

	backendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: backendSubsystem,
			Name:      backendRequestsTotalName,
			Help:      "A counter for backend http requests.",
		},
		[]string{"code", "method"},
	)

	backendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: backendSubsystem,
			Name:      backendRequestDurationSeconds,
			Help:      "A histogram of latencies for backend http requests.",
			Buckets:   latencyBuckets,
		},
		[]string{"code", "method"},
	)
)

// NewRoundTripper wraps next with backend request counters and latencies.
func NewRoundTripper(next http.RoundTripper) promhttp.RoundTripperFunc {
	rt := next

	rt = promhttp.InstrumentRoundTripperCounter(backendRequestsTotal, rt)
	return promhttp.InstrumentRoundTripperDuration(backendRequestDuration, rt)
}
