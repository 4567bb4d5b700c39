// Package metrics declares the Prometheus collectors shared by the API and
// worker binaries.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ImportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productimport_imports_total",
		Help: "Import tasks finished, by final status.",
	}, []string{"status"})

	ImportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "productimport_import_duration_seconds",
		Help:    "Wall time of import tasks from first batch to terminal state.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
	}, []string{"status"})

	ActiveImports = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "productimport_active_imports",
		Help: "Import tasks currently running in this process.",
	})

	RowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productimport_rows_total",
		Help: "Source rows processed, by outcome (created, updated, failed).",
	}, []string{"outcome"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "productimport_batch_duration_seconds",
		Help:    "Time spent reconciling one batch.",
		Buckets: prometheus.DefBuckets,
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productimport_webhook_deliveries_total",
		Help: "Webhook triggers, by event type and result (success, http_error, transport_error).",
	}, []string{"event", "result"})

	WebhookAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "productimport_webhook_attempts",
		Help:    "Attempts needed per webhook trigger.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	ReapedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "productimport_reaped_tasks_total",
		Help: "Processing tasks failed by the stale task reaper.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productimport_http_requests_total",
		Help: "HTTP requests served, by route pattern, method and status.",
	}, []string{"route", "method", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "productimport_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// ObserveHTTP records one served request.
func ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
