// Package metrics provides Prometheus instrumentation for the trade relay.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts orders that reached a brokerage, by outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_orders_total",
		Help: "Orders submitted to a brokerage",
	}, []string{"broker", "side", "status"})

	// OrderLatency is the submission round trip per broker.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_order_latency_seconds",
		Help:    "Order submission latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"broker"})

	// PrecheckRejections counts intents stopped before submission.
	PrecheckRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_precheck_rejections_total",
		Help: "Trade intents rejected by pre-trade checks",
	}, []string{"reason"})

	// BrokerConnected is 1 while a registered broker reports connected.
	BrokerConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_broker_connected",
		Help: "Broker connection state (1 connected, 0 not)",
	}, []string{"broker"})

	// BrokerQueryFailures counts per-broker failures absorbed by fan-out
	// operations.
	BrokerQueryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broker_query_failures_total",
		Help: "Broker queries that failed during aggregate operations",
	}, []string{"broker", "op"})

	// WebhooksTotal counts inbound webhook deliveries by result.
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_webhooks_total",
		Help: "Webhook deliveries received",
	}, []string{"result"})

	// WebSocketClients tracks connected execution-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetConnected records a broker's connection state.
func SetConnected(brokerID string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	BrokerConnected.WithLabelValues(brokerID).Set(v)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern; raw paths carry strategy and order ids.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
