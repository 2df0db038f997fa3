package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/escalator/internal/resilience"
	"github.com/pitabwire/escalator/model"
)

// Failure kinds for escalation_failures_total.
const (
	FailureTask   = "task"
	FailureAudit  = "audit"
	FailureNotify = "notify"
	FailureRun    = "run"
)

// Run results for escalation_runs_total.
const (
	RunResultSuccess   = "success"
	RunResultFailed    = "failed"
	RunResultCancelled = "cancelled"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	runDurationBuckets  = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
)

// Metrics holds all Prometheus metric instruments for the engine. Counters
// live for the life of the process; the near-breach gauge is overwritten
// by every run.
type Metrics struct {
	// Scan metrics
	TasksCheckedTotal       prometheus.Counter
	TasksEscalatedTotal     prometheus.Counter
	TasksRemindedTotal      prometheus.Counter
	TasksOverSLATotal       prometheus.Counter
	EscalationFailuresTotal *prometheus.CounterVec
	PendingNearBreachCount  prometheus.Gauge
	RunDuration             prometheus.Histogram

	// Scheduler metrics
	SchedulerState   prometheus.Gauge
	RunsTotal        *prometheus.CounterVec
	LastRunTimestamp prometheus.Gauge

	// Dependency metrics
	CircuitBreakerState *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksCheckedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_checked_total",
			Help: "Open tasks evaluated against their SLA.",
		}),
		TasksEscalatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_escalated_total",
			Help: "Tasks reassigned to an escalation target.",
		}),
		TasksRemindedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_reminded_total",
			Help: "Reminder notifications sent for tasks near their SLA.",
		}),
		TasksOverSLATotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_over_sla_total",
			Help: "Task evaluations that found the SLA breached.",
		}),
		EscalationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_failures_total",
			Help: "Failures during escalation runs by kind (task, audit, notify, run).",
		}, []string{"kind"}),
		PendingNearBreachCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pending_near_breach_count",
			Help: "Tasks in WARNING state as of the most recent run.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalation_run_duration_seconds",
			Help:    "Wall-clock duration of escalation runs in seconds.",
			Buckets: runDurationBuckets,
		}),

		SchedulerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escalation_scheduler_state",
			Help: "Scheduler state (0=idle, 1=running, 2=failed).",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_runs_total",
			Help: "Escalation runs by result.",
		}, []string{"result"}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escalation_last_run_timestamp_seconds",
			Help: "Unix time at which the most recent run finished.",
		}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escalation_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"dependency"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalator_http_requests_total",
			Help: "Total number of admin HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escalator_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
	}

	reg.MustRegister(
		m.TasksCheckedTotal,
		m.TasksEscalatedTotal,
		m.TasksRemindedTotal,
		m.TasksOverSLATotal,
		m.EscalationFailuresTotal,
		m.PendingNearBreachCount,
		m.RunDuration,
		m.SchedulerState,
		m.RunsTotal,
		m.LastRunTimestamp,
		m.CircuitBreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	// Export zero series so alerts can use rate() from the first scrape.
	for _, kind := range []string{FailureTask, FailureAudit, FailureNotify, FailureRun} {
		m.EscalationFailuresTotal.WithLabelValues(kind)
	}
	for _, result := range []string{RunResultSuccess, RunResultFailed, RunResultCancelled} {
		m.RunsTotal.WithLabelValues(result)
	}

	return m
}

// --- Recording helpers ---

// RecordChecked counts one evaluated task.
func (m *Metrics) RecordChecked() { m.TasksCheckedTotal.Inc() }

// RecordOverSLA counts one breached evaluation.
func (m *Metrics) RecordOverSLA() { m.TasksOverSLATotal.Inc() }

// RecordEscalated counts one reassignment.
func (m *Metrics) RecordEscalated() { m.TasksEscalatedTotal.Inc() }

// RecordReminded counts one reminder.
func (m *Metrics) RecordReminded() { m.TasksRemindedTotal.Inc() }

// RecordFailure counts one failure of the given kind.
func (m *Metrics) RecordFailure(kind string) {
	m.EscalationFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordRun publishes the end-of-run figures. The near-breach gauge is
// replaced, not accumulated, and keeps its last value when the run failed
// before classifying any task.
func (m *Metrics) RecordRun(summary model.RunSummary, result string) {
	if result != RunResultFailed {
		m.PendingNearBreachCount.Set(float64(summary.NearBreach))
	}
	m.RunDuration.Observe(summary.Duration.Seconds())
	m.RunsTotal.WithLabelValues(result).Inc()
	m.LastRunTimestamp.Set(float64(summary.FinishedAt.Unix()))
}

// SetSchedulerState publishes the scheduler state.
func (m *Metrics) SetSchedulerState(state string) {
	switch state {
	case model.SchedulerRunning:
		m.SchedulerState.Set(1)
	case model.SchedulerFailed:
		m.SchedulerState.Set(2)
	default:
		m.SchedulerState.Set(0)
	}
}

// ObserveBreaker matches resilience.Settings.OnStateChange and publishes
// breaker transitions.
func (m *Metrics) ObserveBreaker(dependency string, _, to resilience.State) {
	var v float64
	switch to {
	case resilience.HalfOpen:
		v = 1
	case resilience.Open:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(dependency).Set(v)
}

// RecordHTTPRequest records admin HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
