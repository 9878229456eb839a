// Package metrics holds the Prometheus instrumentation for shardbouncer,
// modeled directly on the teacher's internal/metrics.Collector: one private
// registry, Gauge/Histogram/Counter vecs constructed once in New, and a
// handful of narrow update methods. The pool, router and session packages
// do not call these methods; the admin server only serves the registry.
// Where the teacher labels everything by tenant, here the natural
// dimension is shard (and, for pools, primary-vs-replica role).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for shardbouncer.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	poolBanned         *prometheus.GaugeVec

	sessionDuration *prometheus.HistogramVec
	routeDecisions  *prometheus.CounterVec
	fanoutShards    prometheus.Histogram
	fanoutRows      prometheus.Histogram

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_connections_active",
				Help: "Number of checked-out backend connections per shard/role",
			},
			[]string{"shard", "role"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_connections_idle",
				Help: "Number of idle backend connections per shard/role",
			},
			[]string{"shard", "role"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_connections_total",
				Help: "Total backend connections (idle + checked out) per shard/role",
			},
			[]string{"shard", "role"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_connections_waiting",
				Help: "Number of sessions waiting for a checkout per shard/role",
			},
			[]string{"shard", "role"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_pool_exhausted_total",
				Help: "Total number of times a pool had to queue a checkout past its max size",
			},
			[]string{"shard", "role"},
		),
		poolBanned: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_pool_banned",
				Help: "Whether a pool is currently banned (1) or in rotation (0)",
			},
			[]string{"shard", "role"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardbouncer_dispatch_duration_seconds",
				Help:    "Duration of one routed dispatch (query, copy, or transaction boundary)",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"kind"},
		),
		routeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_route_decisions_total",
				Help: "Routed statements by resolved shard selector (one, all, any)",
			},
			[]string{"selector"},
		),
		fanoutShards: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shardbouncer_fanout_shards",
				Help:    "Number of shards touched by a cross-shard fan-out dispatch",
				Buckets: prometheus.LinearBuckets(2, 1, 16),
			},
		),
		fanoutRows: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shardbouncer_fanout_merged_rows",
				Help:    "Row count of the merged result set from a cross-shard fan-out",
				Buckets: prometheus.ExponentialBuckets(1, 4, 12),
			},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardbouncer_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"shard", "role", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_health_check_errors_total",
				Help: "Health check errors by shard/role",
			},
			[]string{"shard", "role"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.poolBanned,
		c.sessionDuration,
		c.routeDecisions,
		c.fanoutShards,
		c.fanoutRows,
		c.healthCheckDuration,
		c.healthCheckErrors,
	)

	return c
}

// UpdatePoolStats updates the pool gauge metrics from a pool.Stats snapshot.
func (c *Collector) UpdatePoolStats(shard, role string, active, idle, total, waiting int, banned bool) {
	c.connectionsActive.WithLabelValues(shard, role).Set(float64(active))
	c.connectionsIdle.WithLabelValues(shard, role).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(shard, role).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(shard, role).Set(float64(waiting))
	bannedVal := 0.0
	if banned {
		bannedVal = 1.0
	}
	c.poolBanned.WithLabelValues(shard, role).Set(bannedVal)
}

// PoolExhausted increments the exhaustion counter for one pool.
func (c *Collector) PoolExhausted(shard, role string) {
	c.poolExhausted.WithLabelValues(shard, role).Inc()
}

// DispatchCompleted records the wall-clock duration of one routed dispatch.
func (c *Collector) DispatchCompleted(kind string, d time.Duration) {
	c.sessionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RouteDecided records the resolved ShardSelector for one routed statement.
func (c *Collector) RouteDecided(selector string) {
	c.routeDecisions.WithLabelValues(selector).Inc()
}

// FanOutCompleted records the shard count and merged row count of one
// cross-shard dispatch.
func (c *Collector) FanOutCompleted(shardCount int, mergedRows int64) {
	c.fanoutShards.Observe(float64(shardCount))
	c.fanoutRows.Observe(float64(mergedRows))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(shard, role string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
		c.healthCheckErrors.WithLabelValues(shard, role).Inc()
	}
	c.healthCheckDuration.WithLabelValues(shard, role, status).Observe(d.Seconds())
}
