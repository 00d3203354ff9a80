package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

// Metrics groups the collectors recorded by the order workflow and the HTTP layer.
type Metrics struct {
	UsecaseRequests *prometheus.CounterVec   // {use_case, outcome}
	UsecaseDuration *prometheus.HistogramVec // {use_case}
	HTTPRequests    *prometheus.CounterVec   // {method, route, status}
	HTTPDuration    *prometheus.HistogramVec // {method, route}
	Notifications   *prometheus.CounterVec   // {kind, outcome}
	WebhookEvents   *prometheus.CounterVec   // {provider, type}
	GatewayRequests *prometheus.CounterVec   // {provider, outcome}
	StockRejections prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UsecaseRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usecase_requests_total",
			Help:      "Total number of use case invocations.",
		}, []string{"use_case", "outcome"}),
		UsecaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usecase_duration_seconds",
			Help:      "Duration of use case execution in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"use_case"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification dispatch outcomes.",
		}, []string{"kind", "outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Verified payment webhook events by classification.",
		}, []string{"provider", "type"}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_gateway_requests_total",
			Help:      "Outbound payment gateway calls by outcome.",
		}, []string{"provider", "outcome"}),
		StockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_stock_rejections_total",
			Help:      "Orders rejected because stock ran out.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.UsecaseRequests,
			m.UsecaseDuration,
			m.HTTPRequests,
			m.HTTPDuration,
			m.Notifications,
			m.WebhookEvents,
			m.GatewayRequests,
			m.StockRejections,
		)
	}

	return m
}

// NewNop returns unregistered collectors, for tests and tools.
func NewNop() *Metrics {
	return New(nil)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
