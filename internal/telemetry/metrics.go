// Package telemetry provides observability primitives for the proxy core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors the proxy loop and its
// subcomponents report against. Namespace/label shape follows the base gateway's
// internal/telemetry/metrics.go (NewCounterVec/NewHistogramVec construction,
// single MustRegister call at the end), relabeled from gateway-level
// request-cache-ratelimit concerns to the proxy core's own signals:
// upstream round trips, retries, health transitions, scheduler picks, and
// the Stats Collector's token/cost output.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	UpstreamDuration *prometheus.HistogramVec // labels: provider, status
	UpstreamErrors   *prometheus.CounterVec   // labels: provider, kind

	RetriesTotal          *prometheus.CounterVec // labels: provider, reason
	HealthTransitionsTotal *prometheus.CounterVec // labels: provider, to_status
	SchedulerSelections   *prometheus.CounterVec // labels: provider, strategy

	TokensProcessed *prometheus.CounterVec // labels: model, type
	CostTotal       *prometheus.CounterVec // labels: model, currency

	// UsageQueueLength tracks the Stats Collector's usage-record sink
	// backlog (worker.UsageRecorder's channel depth), a leading indicator of
	// a slow backing store before records start being dropped.
	UsageQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "kestrel",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "kestrel",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream round-trip duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "status"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "upstream_errors_total",
			Help:      "Total upstream connect/read/network errors by kind.",
		}, []string{"provider", "kind"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "retries_total",
			Help:      "Total retry attempts issued by the retry evaluator.",
		}, []string{"provider", "reason"}),

		HealthTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "health_transitions_total",
			Help:      "Total provider key health state transitions.",
		}, []string{"provider", "to_status"}),

		SchedulerSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "scheduler_selections_total",
			Help:      "Total key scheduler selections by strategy.",
		}, []string{"provider", "strategy"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "cost_total",
			Help:      "Total computed cost of proxied requests.",
		}, []string{"model", "currency"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "usage_queue_length",
			Help:      "Current depth of the usage recorder's buffered channel.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RetriesTotal,
		m.HealthTransitionsTotal,
		m.SchedulerSelections,
		m.TokensProcessed,
		m.CostTotal,
		m.UsageQueueLength,
	)

	return m
}
