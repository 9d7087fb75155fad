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
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagd_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diagd_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SessionsSubmitted counts submission attempts by outcome
	SessionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagd_sessions_submitted_total",
			Help: "Total number of session submissions",
		},
		[]string{"result"},
	)

	// SessionsCompleted counts sessions relocated out of the active bucket
	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagd_sessions_completed_total",
			Help: "Total number of sessions completed by this instance",
		},
		[]string{"status"},
	)

	// SessionDuration tracks how long sessions run before completion
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diagd_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	// ActiveSessions tracks sessions this instance is currently driving
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diagd_active_sessions",
			Help: "Number of sessions with a running loop on this instance",
		},
	)

	// LockAttempts counts operation lock attempts by result
	LockAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagd_lock_attempts_total",
			Help: "Total number of operation lock attempts",
		},
		[]string{"result"},
	)

	// LockWait tracks time spent in blocking lock acquisition
	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diagd_lock_wait_seconds",
			Help:    "Time spent waiting for operation locks",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	// ToolRuns counts collector and analyzer invocations
	ToolRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagd_tool_runs_total",
			Help: "Total number of collector and analyzer runs",
		},
		[]string{"diagnoser", "phase", "result"},
	)

	// OrphanedInstances counts instances synthesized as complete by the orphan detector
	OrphanedInstances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diagd_orphaned_instances_total",
			Help: "Total number of instances marked complete because they never reported",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagd_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSubmit records the outcome of a session submission
func RecordSubmit(result string) {
	SessionsSubmitted.WithLabelValues(result).Inc()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart() {
	ActiveSessions.Inc()
}

// RecordSessionEnd decrements the active session gauge
func RecordSessionEnd() {
	ActiveSessions.Dec()
}

// RecordCompletion records a session this instance moved out of the active bucket
func RecordCompletion(status string, duration time.Duration) {
	SessionsCompleted.WithLabelValues(status).Inc()
	SessionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordLockAttempt records one lock attempt
func RecordLockAttempt(result string) {
	LockAttempts.WithLabelValues(result).Inc()
}

// ObserveLockWait records time spent in a blocking acquire
func ObserveLockWait(d time.Duration) {
	LockWait.Observe(d.Seconds())
}

// RecordToolRun records a collector or analyzer run
func RecordToolRun(diagnoser, phase, result string) {
	ToolRuns.WithLabelValues(diagnoser, phase, result).Inc()
}

// RecordOrphans records instances synthesized by the orphan detector
func RecordOrphans(n int) {
	OrphanedInstances.Add(float64(n))
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
