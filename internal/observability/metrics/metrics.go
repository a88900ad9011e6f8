// Package metrics provides Prometheus instrumentation for the registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Indexer metrics
	indexerLedgersTotal     *prometheus.CounterVec
	indexerLastLedger       *prometheus.GaugeVec
	indexerLag              *prometheus.GaugeVec
	indexerDegraded         *prometheus.GaugeVec
	indexerDeploymentsTotal *prometheus.CounterVec
	indexerAnomaliesTotal   *prometheus.CounterVec

	// Sandbox metrics
	sandboxBuildsTotal   *prometheus.CounterVec
	sandboxBuildDuration *prometheus.HistogramVec

	// Verification metrics
	verificationTotal         *prometheus.CounterVec
	determinismViolationTotal prometheus.Counter

	// Incident metrics
	incidentsTotal           *prometheus.CounterVec
	incidentTransitionsTotal *prometheus.CounterVec
	incidentStalledTotal     *prometheus.CounterVec
	incidentRTO              *prometheus.HistogramVec

	// Read cache metrics
	cacheRequestsTotal *prometheus.CounterVec
)

// Init initializes the metrics system.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	indexerLedgersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_ledgers_processed_total",
			Help: "Total number of ledgers committed by the indexer",
		},
		[]string{"network"},
	)

	indexerLastLedger = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_last_ledger",
			Help: "Last ledger committed per network",
		},
		[]string{"network"},
	)

	indexerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_lag_ledgers",
			Help: "Ledgers between the network tip and the committed cursor",
		},
		[]string{"network"},
	)

	indexerDegraded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_degraded",
			Help: "1 when the network's ledger source is failing",
		},
		[]string{"network"},
	)

	indexerDeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_deployments_total",
			Help: "Contracts, versions and retirements derived from ledgers",
		},
		[]string{"network", "kind"},
	)

	indexerAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_anomalies_total",
			Help: "Ledgers whose bytecode did not match the announced hash",
		},
		[]string{"network"},
	)

	sandboxBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_builds_total",
			Help: "Total number of sandbox builds by result",
		},
		[]string{"toolchain", "result"},
	)

	sandboxBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbox_build_duration_seconds",
			Help:    "Sandbox build wall-clock time in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"toolchain"},
	)

	verificationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_request_total",
			Help: "Total number of verification requests by outcome",
		},
		[]string{"result"},
	)

	determinismViolationTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verification_determinism_violations_total",
			Help: "Rebuilds of identical inputs that produced different bytecode",
		},
	)

	incidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidents_reported_total",
			Help: "Total number of incidents reported",
		},
		[]string{"category", "type"},
	)

	incidentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_transitions_total",
			Help: "Incident state transitions by target state",
		},
		[]string{"category", "state"},
	)

	incidentStalledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_recovery_stalled_total",
			Help: "Recoveries that exhausted their retries",
		},
		[]string{"category"},
	)

	incidentRTO = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incident_rto_seconds",
			Help:    "Achieved recovery time objective in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		},
		[]string{"category", "state"},
	)

	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Read cache lookups by result",
		},
		[]string{"backend", "result"},
	)

	// Note: Go runtime metrics (goroutines, memory, GC) are automatically
	// collected by prometheus/client_golang - no custom collector needed
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}
