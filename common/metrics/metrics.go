package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// CheckoutMetrics contains payment-flow metrics
type CheckoutMetrics struct {
	SessionsCreated   *prometheus.CounterVec
	OrdersPaid        prometheus.Counter
	OrdersFailed      prometheus.Counter
	Refunds           *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	StripeAPIDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string, reg prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewCheckoutMetrics creates checkout and webhook metrics
func NewCheckoutMetrics(serviceName string, reg prometheus.Registerer) *CheckoutMetrics {
	factory := promauto.With(reg)
	return &CheckoutMetrics{
		SessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_checkout_sessions_created_total",
				Help: "Total number of checkout sessions created",
			},
			[]string{"kind"},
		),
		OrdersPaid: factory.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_paid_total",
				Help: "Total number of orders paid",
			},
		),
		OrdersFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_failed_total",
				Help: "Total number of orders whose payment failed",
			},
		),
		Refunds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_refunds_total",
				Help: "Total number of refund attempts",
			},
			[]string{"result"},
		),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_webhook_events_total",
				Help: "Total number of webhook events received",
			},
			[]string{"type", "result"},
		),
		StripeAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_stripe_api_duration_seconds",
				Help:    "Stripe API call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Middleware records every request handled by next. The route pattern is
// used as the path label so IDs in URLs do not explode cardinality.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start))
	})
}

// ObserveStripeCall records the latency of a Stripe API operation.
func (m *CheckoutMetrics) ObserveStripeCall(operation string, start time.Time) {
	m.StripeAPIDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
