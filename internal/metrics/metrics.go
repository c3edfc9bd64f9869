// Package metrics exposes Prometheus collectors for the ledger client.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the client-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	requestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledger_client",
			Subsystem: "gateway",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight ledger requests.",
		},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_client",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of requests sent to the ledger service.",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger_client",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests to the ledger service.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "endpoint"},
	)

	sessionExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ledger_client",
			Subsystem: "session",
			Name:      "expirations_total",
			Help:      "Sessions cleared after an authorization failure or token expiry.",
		},
	)

	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_client",
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Chain snapshot refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	snapshotHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledger_client",
			Subsystem: "cache",
			Name:      "snapshot_blocks",
			Help:      "Number of blocks in the current snapshot.",
		},
	)

	walletOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_client",
			Subsystem: "wallet",
			Name:      "operations_total",
			Help:      "Wallet operations by kind and outcome.",
		},
		[]string{"operation", "outcome"},
	)
)

// Refresh outcomes.
const (
	OutcomeApplied    = "applied"
	OutcomeSuperseded = "superseded"
	OutcomeFailed     = "failed"
	OutcomeRejected   = "rejected"
)

func init() {
	Registry.MustRegister(
		requestsInFlight,
		requests,
		requestDuration,
		sessionExpirations,
		refreshes,
		snapshotHeight,
		walletOperations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartRequest marks a request in flight and returns the function that
// records its completion. status is 0 when no response was received.
func StartRequest(method, path string) func(status int) {
	start := time.Now()
	requestsInFlight.Inc()

	method = strings.ToUpper(method)
	endpoint := CanonicalEndpoint(path)

	return func(status int) {
		requestsInFlight.Dec()
		requests.WithLabelValues(method, endpoint, statusLabel(status)).Inc()
		requestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// RecordSessionExpired counts a cleared session.
func RecordSessionExpired() {
	sessionExpirations.Inc()
}

// RecordRefresh counts a snapshot refresh outcome. blocks is only used for
// applied refreshes.
func RecordRefresh(outcome string, blocks int) {
	refreshes.WithLabelValues(outcome).Inc()
	if outcome == OutcomeApplied {
		snapshotHeight.Set(float64(blocks))
	}
}

// RecordWalletOperation counts a wallet operation outcome.
func RecordWalletOperation(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	walletOperations.WithLabelValues(operation, outcome).Inc()
}

func statusLabel(status int) string {
	if status == 0 {
		return "network_error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// CanonicalEndpoint collapses identifiers so label cardinality stays bounded:
// /balance/42 becomes /balance/:id.
func CanonicalEndpoint(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/:id"
}
