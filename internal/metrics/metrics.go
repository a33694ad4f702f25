// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notification outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
	OutcomeRejected  = "rejected"
	OutcomeRedeliver = "redelivered"
)

// Drain triggers.
const (
	TriggerSuccess = "after_success"
	TriggerManual  = "manual"
)

var (
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgrelay_notifications_total",
		Help: "Notifications by final outcome of an intake or redelivery.",
	}, []string{"outcome"})

	ChunkSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgrelay_chunk_sends_total",
		Help: "Message chunk send attempts by result.",
	}, []string{"result"})

	Pending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tgrelay_pending",
		Help: "Notifications waiting in the pending queue.",
	})

	Drains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgrelay_drains_total",
		Help: "Drain passes by trigger.",
	}, []string{"trigger"})

	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgrelay_persistence_errors_total",
		Help: "Failed queue or audit writes by operation.",
	}, []string{"op"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tgrelay_http_request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgrelay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"path", "method", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request counts and latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Route pattern keeps label cardinality bounded.
		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		httpDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path, r.Method, status).Inc()
	})
}
