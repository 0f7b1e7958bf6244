package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mysqlgate/mysqlgate/internal/destination"
)

// Collector holds all Prometheus metrics for the router.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive *prometheus.GaugeVec
	connectErrors     *prometheus.CounterVec
	connectDuration   *prometheus.HistogramVec

	pooledConnections  prometheus.Gauge
	stashedConnections prometheus.Gauge
	reusedConnections  prometheus.Counter

	quarantinedDestinations prometheus.Gauge
	guidelineUpdates        *prometheus.CounterVec
}

// New creates and registers all metrics using a private registry. Safe to
// call multiple times; each call creates an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlgate_connections_active",
				Help: "Number of active client connections per route",
			},
			[]string{"route"},
		),
		connectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlgate_connect_errors_total",
				Help: "Backend connect failures by error kind",
			},
			[]string{"route", "kind"},
		),
		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlgate_connect_duration_seconds",
				Help:    "Time from accept to committed backend connection",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"route"},
		),
		pooledConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mysqlgate_pooled_connections",
				Help: "Idle server connections held in the pool",
			},
		),
		stashedConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mysqlgate_stashed_connections",
				Help: "Sharable server connections held in the stash",
			},
		),
		reusedConnections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mysqlgate_reused_connections_total",
				Help: "Server connections served from the pool or stash",
			},
		),
		quarantinedDestinations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mysqlgate_quarantined_destinations",
				Help: "Destinations currently marked unreachable",
			},
		),
		guidelineUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlgate_guideline_updates_total",
				Help: "Routing guidelines document updates by result",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectErrors,
		c.connectDuration,
		c.pooledConnections,
		c.stashedConnections,
		c.reusedConnections,
		c.quarantinedDestinations,
		c.guidelineUpdates,
	)

	return c
}

// ErrorKind maps a connect error onto its metric label.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, destination.ErrNoDestinations):
		return "no_destinations"
	case errors.Is(err, destination.ErrQuarantined):
		return "quarantined"
	case errors.Is(err, destination.ErrIgnored):
		return "ignored"
	case errors.Is(err, destination.ErrStickyMismatch):
		return "sticky_mismatch"
	case errors.Is(err, destination.ErrCanceled):
		return "canceled"
	default:
		return "connect_failed"
	}
}

// ConnectionOpened increments the active connection gauge.
func (c *Collector) ConnectionOpened(route string) {
	c.connectionsActive.WithLabelValues(route).Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (c *Collector) ConnectionClosed(route string) {
	c.connectionsActive.WithLabelValues(route).Dec()
}

// ConnectError counts a failed connect by kind.
func (c *Collector) ConnectError(route, kind string) {
	c.connectErrors.WithLabelValues(route, kind).Inc()
}

// ConnectDuration observes a successful connect's duration.
func (c *Collector) ConnectDuration(route string, d time.Duration) {
	c.connectDuration.WithLabelValues(route).Observe(d.Seconds())
}

// UpdatePoolStats refreshes the pool gauges and advances the reuse
// counter by the delta since the previous call.
func (c *Collector) UpdatePoolStats(pooled, stashed int, reusedDelta uint64) {
	c.pooledConnections.Set(float64(pooled))
	c.stashedConnections.Set(float64(stashed))
	if reusedDelta > 0 {
		c.reusedConnections.Add(float64(reusedDelta))
	}
}

// SetQuarantineSize refreshes the quarantine gauge.
func (c *Collector) SetQuarantineSize(n int) {
	c.quarantinedDestinations.Set(float64(n))
}

// GuidelineUpdate counts a guidelines document update attempt.
func (c *Collector) GuidelineUpdate(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.guidelineUpdates.WithLabelValues(status).Inc()
}
