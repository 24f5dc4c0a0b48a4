package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"route", "method"},
	)

	RequestsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_requests_published_total",
			Help: "Total number of compute requests published to the request topic",
		},
		[]string{"type"},
	)
	PublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_publish_failures_total",
			Help: "Total number of failed publishes to the request topic",
		},
	)
	ResultsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_results_consumed_total",
			Help: "Total number of results consumed from the result topic",
		},
		[]string{"status"},
	)
	PoisonRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_poison_records_total",
			Help: "Total number of undecodable records quarantined on the result topic",
		},
	)
	WaitersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "compute_waiters_active",
			Help: "Number of in-memory waiters currently registered",
		},
	)
	WaiterTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_waiter_timeouts_total",
			Help: "Total number of waiter timeouts by origin (dispatcher or backend)",
		},
		[]string{"origin"},
	)
	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "compute_pending_requests",
			Help: "Number of submissions tracked in the pending table",
		},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Number of open WebSocket connections",
		},
	)
	WSMessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Total number of WebSocket frames sent by kind",
		},
		[]string{"kind"},
	)
)

// InitMetrics registers all metrics; call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RequestsPublishedTotal,
		PublishFailuresTotal,
		ResultsConsumedTotal,
		PoisonRecordsTotal,
		WaitersActive,
		WaiterTimeoutsTotal,
		PendingRequests,
		WSConnections,
		WSMessagesSentTotal,
	)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func RequestPublished(t string)    { RequestsPublishedTotal.WithLabelValues(t).Inc() }
func PublishFailed()               { PublishFailuresTotal.Inc() }
func ResultConsumed(status string) { ResultsConsumedTotal.WithLabelValues(status).Inc() }
func PoisonRecord()                { PoisonRecordsTotal.Inc() }
func WaiterTimeout(origin string)  { WaiterTimeoutsTotal.WithLabelValues(origin).Inc() }
