// Package metrics provides Prometheus collectors for host resolution and the configuration cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hstroute"

// Match outcomes.
const (
	OutcomeMatched       = "matched"
	OutcomeDefaultHost   = "default_host"
	OutcomeNoMatch       = "no_match"
	OutcomeExcluded      = "excluded"
	OutcomeNotConfigured = "not_configured"
)

var (
	// Rebuilds counts forest rebuilds by result (ok, error).
	Rebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "rebuilds_total",
			Help:      "Total number of virtual host forest rebuilds by result",
		},
		[]string{"context", "result"},
	)

	// RebuildDuration tracks how long forest rebuilds take.
	RebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "rebuild_duration_seconds",
			Help:      "Virtual host forest rebuild duration in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"context"},
	)

	// SnapshotVersion is the version of the currently published forest.
	SnapshotVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "snapshot_version",
			Help:      "Version of the currently published virtual host forest",
		},
		[]string{"context"},
	)

	// Matches counts request matching outcomes.
	Matches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "match",
			Name:      "requests_total",
			Help:      "Total number of host/mount match requests by outcome",
		},
		[]string{"outcome"},
	)

	// MatchLatency tracks the time spent matching a request against a forest.
	MatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "match",
			Name:      "duration_seconds",
			Help:      "Host/mount match latency in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		},
	)

	// CacheHits counts configuration cache hits by cache name.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "configcache",
			Name:      "hits_total",
			Help:      "Total number of configuration cache hits",
		},
		[]string{"cache"},
	)

	// CacheMisses counts configuration cache misses (absent or dirty) by cache name.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "configcache",
			Name:      "misses_total",
			Help:      "Total number of configuration cache misses",
		},
		[]string{"cache"},
	)

	// CacheLoadErrors counts failed repository loads by cache name.
	CacheLoadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "configcache",
			Name:      "load_errors_total",
			Help:      "Total number of failed configuration loads",
		},
		[]string{"cache"},
	)

	// DirtyEntries is the number of entries currently marked dirty.
	DirtyEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "configcache",
			Name:      "dirty_entries",
			Help:      "Number of configuration cache entries marked dirty",
		},
		[]string{"cache"},
	)

	// DispatchedPaths counts paths handed to cache consumers on dispatch.
	DispatchedPaths = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "dispatched_paths_total",
			Help:      "Total number of coalesced paths dispatched to configuration caches",
		},
	)

	// ConsistencyWaits counts awaitConsistency calls by result (ok, timeout).
	ConsistencyWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "consistency_waits_total",
			Help:      "Total number of consistency waits by result",
		},
		[]string{"result"},
	)

	// ConfigImports counts configuration file imports by result.
	ConfigImports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "imports_total",
			Help:      "Total number of configuration file imports by result",
		},
		[]string{"result"},
	)
)

// RecordRebuild records the result and duration of one forest rebuild.
func RecordRebuild(context string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Rebuilds.WithLabelValues(context, result).Inc()
	RebuildDuration.WithLabelValues(context).Observe(d.Seconds())
}

// RecordMatch records one match outcome and its latency.
func RecordMatch(outcome string, d time.Duration) {
	Matches.WithLabelValues(outcome).Inc()
	MatchLatency.Observe(d.Seconds())
}

// RecordConsistencyWait records whether a consistency wait completed in time.
func RecordConsistencyWait(timedOut bool) {
	if timedOut {
		ConsistencyWaits.WithLabelValues("timeout").Inc()
		return
	}
	ConsistencyWaits.WithLabelValues("ok").Inc()
}

// RecordImport records the result of a configuration import.
func RecordImport(err error) {
	if err != nil {
		ConfigImports.WithLabelValues("error").Inc()
		return
	}
	ConfigImports.WithLabelValues("ok").Inc()
}
