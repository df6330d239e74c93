package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	ChargesTotal        *prometheus.CounterVec
	ChargeAmountCents   *prometheus.CounterVec
	CycleAdvancesTotal  *prometheus.CounterVec
	DunningRetriesTotal prometheus.Counter

	// Usage metering metrics
	UsageIncrementsTotal *prometheus.CounterVec
	UsageRejectionsTotal *prometheus.CounterVec

	// Entitlement metrics
	EntitlementChecksTotal *prometheus.CounterVec

	// Revenue share metrics
	RevenueTransactionsTotal *prometheus.CounterVec
	SettlementsTotal         *prometheus.CounterVec
	SettlementFeeCents       prometheus.Counter

	// Outbox metrics
	OutboxPublishedTotal  prometheus.Counter
	OutboxFailedTotal     prometheus.Counter
	OutboxDeadLetterTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_charges_total",
				Help: "Total number of subscription charges attempted",
			},
			[]string{"status"},
		),
		ChargeAmountCents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_charge_amount_cents_total",
				Help: "Total charged amount in cents",
			},
			[]string{"currency"},
		),
		CycleAdvancesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_cycle_advances_total",
				Help: "Total number of billing cycle advances",
			},
			[]string{"outcome"},
		),
		DunningRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_dunning_retries_total",
				Help: "Total number of dunning charge retries",
			},
		),

		UsageIncrementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_usage_increments_total",
				Help: "Total number of usage counter increments",
			},
			[]string{"feature"},
		),
		UsageRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_usage_rejections_total",
				Help: "Total number of usage increments rejected at the limit",
			},
			[]string{"feature"},
		),

		EntitlementChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_entitlement_checks_total",
				Help: "Total number of entitlement checks",
			},
			[]string{"reason"},
		),

		RevenueTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_revenue_transactions_total",
				Help: "Total number of revenue transactions ingested",
			},
			[]string{"source"},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_settlements_total",
				Help: "Total number of revenue share settlements",
			},
			[]string{"outcome"},
		),
		SettlementFeeCents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_settlement_fee_cents_total",
				Help: "Total settled platform fees in cents",
			},
		),

		OutboxPublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_outbox_published_total",
				Help: "Total number of outbox messages published",
			},
		),
		OutboxFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_outbox_failed_total",
				Help: "Total number of outbox publish failures",
			},
		),
		OutboxDeadLetterTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_outbox_dead_letter_total",
				Help: "Total number of dead-lettered outbox messages",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ChargesTotal,
		m.ChargeAmountCents,
		m.CycleAdvancesTotal,
		m.DunningRetriesTotal,
		m.UsageIncrementsTotal,
		m.UsageRejectionsTotal,
		m.EntitlementChecksTotal,
		m.RevenueTransactionsTotal,
		m.SettlementsTotal,
		m.SettlementFeeCents,
		m.OutboxPublishedTotal,
		m.OutboxFailedTotal,
		m.OutboxDeadLetterTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)
			path := r.URL.Path
			if pattern := r.Pattern; pattern != "" {
				path = pattern
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
