package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's instruments. Build it once per registry.
type Metrics struct {
	HTTPRequests   *prometheus.CounterVec
	HTTPLatency    *prometheus.HistogramVec
	RailCalls      *prometheus.CounterVec
	BatchItems     *prometheus.CounterVec
	WebhookEvents  *prometheus.CounterVec
	BatchDurations prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payout_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "endpoint"}),
		RailCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_rail_calls_total",
			Help: "Rail calls by operation and error kind",
		}, []string{"op", "result"}),
		BatchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_batch_items_total",
			Help: "Batch items by final status",
		}, []string{"status"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_webhook_events_total",
			Help: "Webhook deliveries by event type and outcome",
		}, []string{"type", "outcome"}),
		BatchDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payout_batch_duration_seconds",
			Help:    "Wall time of a batch run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.HTTPRequests, m.HTTPLatency, m.RailCalls, m.BatchItems, m.WebhookEvents, m.BatchDurations)
	}
	return m
}

// NopMetrics returns unregistered instruments.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
