// Package telemetry exposes the process's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/histogram/gauge the core publishes.
type Metrics struct {
	JobsDispatched   *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobsRetried      *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	GatekeeperAllow  prometheus.Counter
	GatekeeperBlock  *prometheus.CounterVec
	RateLimitDenied  *prometheus.CounterVec
	TunnelAlerts     prometheus.Counter
	AuditLogVolume   prometheus.Gauge
}

// New registers and returns the metric set against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_jobs_dispatched_total",
			Help: "Jobs dispatched to an executor, by capability and outcome.",
		}, []string{"capability", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_job_duration_seconds",
			Help:    "Wall-clock time from dispatch to terminal state, by capability.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"capability"}),
		JobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_jobs_retried_total",
			Help: "Retry attempts issued after a transient failure, by capability.",
		}, []string{"capability"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_queue_depth",
			Help: "Current per-capability priority queue depth.",
		}, []string{"capability"}),
		GatekeeperAllow: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_gatekeeper_allowed_total",
			Help: "Requests that passed every Gatekeeper stage.",
		}),
		GatekeeperBlock: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_gatekeeper_blocked_total",
			Help: "Requests blocked by the Gatekeeper, by stage.",
		}, []string{"stage"}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_rate_limit_denied_total",
			Help: "Requests denied by the rate limiter, by scope (ip|endpoint).",
		}, []string{"scope"}),
		TunnelAlerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_tunnel_alerts_total",
			Help: "Tunnel detection verdicts meeting the configured confidence threshold.",
		}),
		AuditLogVolume: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_network_audit_log_rows",
			Help: "Current row count of the network audit log.",
		}),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
