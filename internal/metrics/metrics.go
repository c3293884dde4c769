package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	pullEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_pull_events_total",
		Help: "Remote events processed by the pull pipeline, by outcome.",
	}, []string{"outcome"})

	pullDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_pull_duration_seconds",
		Help:    "Histogram of full pull run durations.",
		Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"mode"})

	pushOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_push_operations_total",
		Help: "Local changes pushed to the remote provider, by operation and outcome.",
	}, []string{"operation", "outcome"})

	gateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_gate_decisions_total",
		Help: "Capability gate decisions, by reason.",
	}, []string{"reason"})

	remoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_remote_request_duration_seconds",
		Help:    "Histogram of provider API call latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_jobs_total",
		Help: "Background jobs finished, by queue and outcome.",
	}, []string{"queue", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_job_duration_seconds",
		Help:    "Histogram of background job handler durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	ledgerTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_ledger_transitions_total",
		Help: "Error ledger transitions, by error type and outcome.",
	}, []string{"type", "outcome"})

	renewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_channel_renewals_total",
		Help: "Webhook channel renewal attempts, by outcome.",
	}, []string{"outcome"})

	schedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_scheduler_runs_total",
		Help: "Scheduled maintenance task runs, by task and outcome.",
	}, []string{"task", "outcome"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_rate_limited_total",
		Help: "Requests rejected by a rate limiter, by limiter scope.",
	}, []string{"scope"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			// chi resolves the pattern during routing, so re-read it for labels.
			route = routePattern(r)
			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObservePull records the per-event outcomes and duration of one pull run.
func ObservePull(mode string, created, updated, deleted, failed int, elapsed time.Duration) {
	pullEventsTotal.WithLabelValues("created").Add(float64(created))
	pullEventsTotal.WithLabelValues("updated").Add(float64(updated))
	pullEventsTotal.WithLabelValues("deleted").Add(float64(deleted))
	pullEventsTotal.WithLabelValues("failed").Add(float64(failed))
	pullDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ObservePush counts one push operation.
func ObservePush(operation, outcome string) {
	pushOpsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveGate counts one capability decision.
func ObserveGate(reason string) {
	if reason == "" {
		reason = "allowed"
	}
	gateDecisionsTotal.WithLabelValues(reason).Inc()
}

// ObserveRemote records provider API latency.
func ObserveRemote(operation string, status int, start time.Time) {
	remoteRequestDuration.WithLabelValues(operation, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}

// ObserveJob records a finished job.
func ObserveJob(queue, outcome string, start time.Time) {
	jobsTotal.WithLabelValues(queue, outcome).Inc()
	jobDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
}

// ObserveLedger counts an error ledger transition.
func ObserveLedger(errorType, outcome string) {
	ledgerTotal.WithLabelValues(errorType, outcome).Inc()
}

// ObserveRenewal counts one channel renewal attempt.
func ObserveRenewal(outcome string) {
	renewalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveScheduler counts one scheduled task run.
func ObserveScheduler(task string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	schedulerRunsTotal.WithLabelValues(task, outcome).Inc()
}

// ObserveRateLimited counts a request rejected by the named limiter.
func ObserveRateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(scope).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
