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
			Help: "Total number of jobs enqueued per queue",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing per worker type",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed per worker type",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed per worker type",
		},
		[]string{"type"},
	)
	JobsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Total number of jobs requeued for retry per worker type",
		},
		[]string{"type"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler duration in seconds per worker type",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type"},
	)
	QueueBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_backlog",
			Help: "Unfinished jobs per queue (waiting+prioritized+active+delayed)",
		},
		[]string{"queue"},
	)

	PermitsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_permits_in_use",
			Help: "Outstanding permits in the global concurrency pool",
		},
	)
	PermitAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_permit_acquires_total",
			Help: "Permit acquisition outcomes per worker type",
		},
		[]string{"type", "outcome"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state per service (0 closed, 1 open, 2 half-open)",
		},
		[]string{"service"},
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox rows finished per kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "LLM requests per operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds per operation",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliations_total",
			Help: "Reconciliation decisions per terminal status",
		},
		[]string{"status"},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRequeuedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueBacklog)
	prometheus.MustRegister(PermitsInUse)
	prometheus.MustRegister(PermitAcquiresTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(OutboxEventsTotal)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(ReconciliationsTotal)
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

func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

func StartProcessingJob(workerType string) {
	JobsProcessing.WithLabelValues(workerType).Inc()
}

func CompleteJob(workerType string) {
	JobsProcessing.WithLabelValues(workerType).Dec()
	JobsCompletedTotal.WithLabelValues(workerType).Inc()
}

func FailJob(workerType string) {
	JobsProcessing.WithLabelValues(workerType).Dec()
	JobsFailedTotal.WithLabelValues(workerType).Inc()
}

func RequeueJob(workerType string) {
	JobsProcessing.WithLabelValues(workerType).Dec()
	JobsRequeuedTotal.WithLabelValues(workerType).Inc()
}

// AbandonJob balances the processing gauge for a job whose lease was lost
// mid-flight; the reclaim sweep will hand it to another worker.
func AbandonJob(workerType string) {
	JobsProcessing.WithLabelValues(workerType).Dec()
}

func ObserveJobDuration(workerType string, d time.Duration) {
	JobDuration.WithLabelValues(workerType).Observe(d.Seconds())
}

func SetQueueBacklog(queue string, n int64) {
	QueueBacklog.WithLabelValues(queue).Set(float64(n))
}

func SetPermitsInUse(n int) {
	PermitsInUse.Set(float64(n))
}

func RecordPermitAcquire(workerType, outcome string) {
	PermitAcquiresTotal.WithLabelValues(workerType, outcome).Inc()
}

func RecordBreakerState(service string, state int) {
	BreakerState.WithLabelValues(service).Set(float64(state))
}

func RecordOutboxEvent(kind, status string) {
	OutboxEventsTotal.WithLabelValues(kind, status).Inc()
}

func RecordLLMRequest(operation, outcome string, d time.Duration) {
	LLMRequestsTotal.WithLabelValues(operation, outcome).Inc()
	LLMRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func RecordReconciliation(status string) {
	ReconciliationsTotal.WithLabelValues(status).Inc()
}
