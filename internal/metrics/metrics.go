// Package metrics provides Prometheus metrics for routing, region health and migrations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet"

// ─── Routing ────────────────────────────────────────────────────────────────

// RouteDecisions counts routing decisions by chosen region and reason.
var RouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "route_decisions_total",
	Help:      "Routing decisions by region and reason.",
}, []string{"region", "reason"})

// RouteCacheOps counts route cache lookups by result (hit, miss, stale).
var RouteCacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "route_cache_lookups_total",
	Help:      "Route cache lookups by result.",
}, []string{"result"})

// GeoLookups counts geolocation provider calls by provider and status.
var GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "geo_lookups_total",
	Help:      "Geolocation provider lookups.",
}, []string{"provider", "status"})

// ─── Region health ──────────────────────────────────────────────────────────

// RegionHealthy is 1 when a region is healthy, 0 otherwise.
var RegionHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "region_healthy",
	Help:      "Region health (1 healthy, 0 unhealthy).",
}, []string{"region"})

// ProbeLatency tracks health probe duration in seconds.
var ProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "health_probe_seconds",
	Help:      "Region health probe duration in seconds.",
	Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
}, []string{"region"})

// ProbeFailures counts failed or over-budget probes.
var ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_probe_failures_total",
	Help:      "Failed region health probes.",
}, []string{"region"})

// ─── Sessions & migrations ──────────────────────────────────────────────────

// SessionsActive tracks registered, non-terminated sessions.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "sessions_active",
	Help:      "Sessions currently registered and not terminated.",
})

// MigrationsInFlight tracks migrations currently running.
var MigrationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "migrations_in_flight",
	Help:      "Session migrations currently in flight.",
})

// MigrationDuration tracks end-to-end migration duration by outcome.
var MigrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "migration_duration_seconds",
	Help:      "Session migration duration in seconds.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
}, []string{"outcome"})

// MigrationAttempts counts individual attempts by final state (done, rolled-back).
var MigrationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "migration_attempts_total",
	Help:      "Migration attempts by final state.",
}, []string{"state"})

// EventsPublished counts events published on the bus by name.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "events_published_total",
	Help:      "Lifecycle events published.",
}, []string{"event"})
