package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration tracks HTTP request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// CircuitBreakerState tracks circuit breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"circuit_name"},
	)

	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_circuit_breaker_failures_total",
			Help: "Total number of calls that failed through a circuit breaker",
		},
		[]string{"circuit_name"},
	)

	// TransitionsTotal counts committed lifecycle transitions.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Total number of committed transaction status transitions",
		},
		[]string{"trigger", "to"},
	)

	// ReleasesTotal counts release attempts by outcome.
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_releases_total",
			Help: "Release attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ReconciliationRequired is incremented whenever money movement ends ambiguous.
	ReconciliationRequired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_reconciliation_required_total",
			Help: "Transactions flagged for manual reconciliation",
		},
	)

	ReconcileItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_reconcile_items_total",
			Help: "Items processed by the reconciliation job",
		},
		[]string{"pass", "outcome"},
	)

	ReconcileRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escrow_reconcile_run_duration_seconds",
			Help:    "Duration of a full reconciliation run",
			Buckets: prometheus.DefBuckets,
		},
	)

	// EscrowAmount tracks amounts of newly created transactions
	EscrowAmount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escrow_amount",
			Help:    "Gross amount of created escrow transactions",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 20000},
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// PrometheusMiddleware records count and latency per matched route.
func PrometheusMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		route := c.Route().Path
		RequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())

		return err
	}
}
