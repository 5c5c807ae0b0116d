// Package metrics exposes the gateway's Prometheus surface. Grounded
// on the teacher's monitoring/prometheus.go: the promauto vector
// style and a responseWriter-wrapping HTTP middleware carry over; the
// label sets are replaced with the gateway's own domain
// (venue/market/channel-kind/symbol) instead of
// the teacher's order/position/account metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HubTopicSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfeed_hub_topic_subscribers",
			Help: "Current number of subscribers for a hub topic",
		},
		[]string{"channel_kind", "venue", "market", "symbol"},
	)

	HubGlobalSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketfeed_hub_global_subscribers",
			Help: "Current number of firehose (global) hub subscribers",
		},
	)

	HubEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_hub_events_published_total",
			Help: "Total events published on the stream hub by channel kind",
		},
		[]string{"channel_kind", "venue"},
	)

	HubSubscriberLagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_hub_subscriber_lagged_total",
			Help: "Total times a subscriber's buffer overflowed and it lagged",
		},
		[]string{"channel_kind", "venue"},
	)

	AdapterConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketfeed_adapter_connected",
			Help: "Venue adapter connection status (1=connected, 0=not connected)",
		},
		[]string{"venue", "market"},
	)

	AdapterReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_adapter_reconnects_total",
			Help: "Total upstream reconnect attempts by venue and market",
		},
		[]string{"venue", "market"},
	)

	AdapterMessageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_adapter_message_errors_total",
			Help: "Total upstream messages dropped due to parse/normalize failure",
		},
		[]string{"venue", "reason"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketfeed_sessions_active",
			Help: "Current number of connected client sessions",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketfeed_http_requests_total",
			Help: "Total HTTP requests by endpoint, method and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketfeed_http_request_duration_milliseconds",
			Help:    "HTTP request duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"endpoint", "method"},
	)
)

// Handler returns the HTTP handler that serves /metrics.
func Handler() http.Handler { return promhttp.Handler() }

// Middleware wraps an HTTP handler, recording request count and
// latency under endpoint, matching the teacher's APIRequestMiddleware.
func Middleware(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		handler(wrapped, r)

		duration := float64(time.Since(start).Milliseconds())
		HTTPRequestsTotal.WithLabelValues(endpoint, r.Method, http.StatusText(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(endpoint, r.Method).Observe(duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
