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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"class"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running",
		},
		[]string{"class"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"class"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"class"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of retry attempts scheduled",
		},
		[]string{"class"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"class"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs routed to a DLQ",
		},
		[]string{"class", "reason"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_events_published_total",
			Help: "Total number of lifecycle events published",
		},
		[]string{"status"},
	)
	EventsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_events_deduped_total",
			Help: "Total number of lifecycle events dropped by the dedup cache",
		},
	)
	ProgressThrottledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "progress_reports_throttled_total",
			Help: "Total number of progress reports absorbed by the throttle window",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDedupedTotal)
	prometheus.MustRegister(ProgressThrottledTotal)
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

func EnqueueJob(class string) {
	JobsEnqueuedTotal.WithLabelValues(class).Inc()
}

func StartJob(class string) {
	JobsRunning.WithLabelValues(class).Inc()
}

func CompleteJob(class string) {
	JobsRunning.WithLabelValues(class).Dec()
	JobsCompletedTotal.WithLabelValues(class).Inc()
}

func FailJob(class string) {
	JobsRunning.WithLabelValues(class).Dec()
	JobsFailedTotal.WithLabelValues(class).Inc()
}

func CancelJob(class string) {
	JobsCancelledTotal.WithLabelValues(class).Inc()
}

func RetryJob(class string) {
	JobsRetriedTotal.WithLabelValues(class).Inc()
}

func DeadLetterJob(class, reason string) {
	JobsDeadLetteredTotal.WithLabelValues(class, reason).Inc()
}
