package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentsInitiatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_initiated_total",
			Help: "Total number of payment attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	paymentCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_callbacks_total",
			Help: "Total number of gateway callbacks by source and reconciliation outcome",
		},
		[]string{"source", "outcome"},
	)

	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Outbound payment gateway request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"gateway", "operation", "outcome"},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per gateway (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	paymentEffectsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_effects_applied_total",
			Help: "Total number of settled payments whose business effect was applied",
		},
		[]string{"purpose"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentsInitiatedTotal)
	prometheus.MustRegister(paymentCallbacksTotal)
	prometheus.MustRegister(gatewayRequestDuration)
	prometheus.MustRegister(circuitBreakerState)
	prometheus.MustRegister(paymentEffectsAppliedTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentInitiated(method, outcome string) {
	paymentsInitiatedTotal.WithLabelValues(method, outcome).Inc()
}

func RecordCallback(source, outcome string) {
	paymentCallbacksTotal.WithLabelValues(source, outcome).Inc()
}

func RecordGatewayRequest(gateway, operation, outcome string, d time.Duration) {
	gatewayRequestDuration.WithLabelValues(gateway, operation, outcome).Observe(d.Seconds())
}

func RecordCircuitState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func RecordEffectApplied(purpose string) {
	paymentEffectsAppliedTotal.WithLabelValues(purpose).Inc()
}
