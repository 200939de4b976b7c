// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks request latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// TradesExecuted counts trades appended to the ledger.
	TradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bullion_trades_executed_total",
			Help: "Total number of executed trades by commodity and action",
		},
		[]string{"commodity", "action"},
	)

	// TradeRejections counts market orders refused, by error kind.
	TradeRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bullion_trade_rejections_total",
			Help: "Total number of rejected market orders by error kind",
		},
		[]string{"kind"},
	)

	// OrdersAdmitted counts pending orders accepted into the book.
	OrdersAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bullion_pending_orders_admitted_total",
			Help: "Total number of admitted pending orders by kind and action",
		},
		[]string{"kind", "action"},
	)

	// OrderTransitions counts pending orders leaving the Pending state.
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bullion_pending_order_transitions_total",
			Help: "Total number of pending order transitions by resulting status",
		},
		[]string{"status"},
	)

	// QuotesReceived counts price quotes by commodity and source.
	QuotesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bullion_quotes_received_total",
			Help: "Total number of price quotes received",
		},
		[]string{"commodity", "source"},
	)

	// EvaluationDuration tracks how long one trigger evaluation pass takes.
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bullion_trigger_evaluation_seconds",
			Help:    "Duration of one trigger evaluation pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Middleware records request metrics for chi routes.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
