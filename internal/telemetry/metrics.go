// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec // labels: provider
	UpstreamErrors   *prometheus.CounterVec   // labels: provider, kind
	TokensProcessed  *prometheus.CounterVec   // labels: provider, type (input/output)
	ProviderState    *prometheus.GaugeVec     // labels: provider (0=healthy, 1=degraded, 2=cooldown, 3=closed)
	UsageQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gateway",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gateway",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider round-trip duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors by classification.",
		}, []string{"provider", "kind"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "type"}),

		ProviderState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "provider_state",
			Help:      "Provider health state (0=healthy, 1=degraded, 2=cooldown, 3=closed).",
		}, []string{"provider"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "usage_queue_length",
			Help:      "Number of usage records buffered for the async recorder.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.TokensProcessed,
		m.ProviderState,
		m.UsageQueueLength,
	)

	return m
}

// ProviderStateValue maps a gateway.ProviderStatus string to the gauge value
// ProviderState expects.
func ProviderStateValue(status string) float64 {
	switch status {
	case "healthy":
		return 0
	case "degraded":
		return 1
	case "cooldown":
		return 2
	case "closed":
		return 3
	default:
		return 0
	}
}
