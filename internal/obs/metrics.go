package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	workflowTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowbit_workflow_triggers_total",
			Help: "Workflow trigger attempts by outcome.",
		},
		[]string{"outcome"},
	)

	workflowCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowbit_workflow_callbacks_total",
			Help: "Workflow callbacks received by outcome.",
		},
		[]string{"outcome"},
	)

	watchdogSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowbit_workflow_watchdog_tickets_total",
			Help: "Tickets handled by the workflow watchdog by action.",
		},
		[]string{"action"},
	)

	auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowbit_audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowbit_ready",
		Help: "1 when the service dependencies are reachable.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			workflowTriggers, workflowCallbacks, watchdogSweeps, auditFailures, ready,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// UnmatchedRoute labels requests no route claimed.
const UnmatchedRoute = "unmatched"

// Instrument records in-flight, count and latency per matched route pattern.
// It must run as middleware of a chi router so the pattern is known once
// next returns.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := RouteLabel(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RouteLabel returns the chi route pattern that served r, or UnmatchedRoute.
// Raw paths never become labels.
func RouteLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return UnmatchedRoute
	}
	pattern := rctx.RoutePattern()
	if pattern == "" || strings.HasSuffix(pattern, "*") {
		return UnmatchedRoute
	}
	return pattern
}

// RecordTrigger counts a workflow trigger attempt ("sent", "failed", "skipped").
func RecordTrigger(outcome string) { workflowTriggers.WithLabelValues(outcome).Inc() }

// RecordCallback counts a workflow callback ("applied", "duplicate", "unauthorized", ...).
func RecordCallback(outcome string) { workflowCallbacks.WithLabelValues(outcome).Inc() }

// RecordWatchdog counts a watchdog action ("retried", "failed").
func RecordWatchdog(action string) { watchdogSweeps.WithLabelValues(action).Inc() }

// RecordAuditFailure counts an audit write that was dropped.
func RecordAuditFailure() { auditFailures.Inc() }

// AuditFailures exposes the audit failure counter for inspection.
func AuditFailures() prometheus.Counter { return auditFailures }

// SetReady publishes the readiness state.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
