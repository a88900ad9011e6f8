package metrics

import "time"

// IndexerLedger records a committed ledger.
func IndexerLedger(network string, sequence, latest uint32) {
	if !enabled {
		return
	}
	indexerLedgersTotal.WithLabelValues(network).Inc()
	indexerLastLedger.WithLabelValues(network).Set(float64(sequence))
	if latest >= sequence {
		indexerLag.WithLabelValues(network).Set(float64(latest - sequence))
	}
}

// IndexerDegraded flags a network whose source is failing.
func IndexerDegraded(network string, degraded bool) {
	if !enabled {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	indexerDegraded.WithLabelValues(network).Set(v)
}

// IndexerDeployments records derived contracts, versions and retirements.
func IndexerDeployments(network string, contracts, versions, retired int) {
	if !enabled {
		return
	}
	indexerDeploymentsTotal.WithLabelValues(network, "contract").Add(float64(contracts))
	indexerDeploymentsTotal.WithLabelValues(network, "version").Add(float64(versions))
	indexerDeploymentsTotal.WithLabelValues(network, "retired").Add(float64(retired))
}

// IndexerAnomaly records a bytecode hash anomaly.
func IndexerAnomaly(network string) {
	if !enabled {
		return
	}
	indexerAnomaliesTotal.WithLabelValues(network).Inc()
}

// SandboxBuild records a finished build.
func SandboxBuild(toolchain, result string, d time.Duration) {
	if !enabled {
		return
	}
	sandboxBuildsTotal.WithLabelValues(toolchain, result).Inc()
	sandboxBuildDuration.WithLabelValues(toolchain).Observe(d.Seconds())
}

// VerificationRequest records a verification request.
func VerificationRequest(result string) {
	if !enabled {
		return
	}
	verificationTotal.WithLabelValues(result).Inc()
}

// DeterminismViolation records a non-reproducible build.
func DeterminismViolation() {
	if !enabled {
		return
	}
	determinismViolationTotal.Inc()
}

// IncidentReported records a new incident.
func IncidentReported(category, incidentType string) {
	if !enabled {
		return
	}
	incidentsTotal.WithLabelValues(category, incidentType).Inc()
}

// IncidentTransition records an incident entering state.
func IncidentTransition(category, state string) {
	if !enabled {
		return
	}
	incidentTransitionsTotal.WithLabelValues(category, state).Inc()
}

// IncidentStalled records a recovery that exhausted its retries.
func IncidentStalled(category string) {
	if !enabled {
		return
	}
	incidentStalledTotal.WithLabelValues(category).Inc()
}

// IncidentClosed records the achieved RTO of a terminal incident.
func IncidentClosed(category, state string, rto time.Duration) {
	if !enabled {
		return
	}
	incidentRTO.WithLabelValues(category, state).Observe(rto.Seconds())
}

// CacheLookup records a read cache hit or miss.
func CacheLookup(backend string, hit bool) {
	if !enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequestsTotal.WithLabelValues(backend, result).Inc()
}
