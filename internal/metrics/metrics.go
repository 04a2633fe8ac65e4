// Package metrics exposes Prometheus collectors for the engine's turns,
// completions, tool calls, retrievals, orchestration passes and HTTP API.
//
// Collectors live on a private registry so tests and multiple servers in
// one process never collide on the default one.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/attache/internal/llm"
)

const namespace = "attache"

// Metrics implements the Observer interfaces of llm, tools, agent,
// retrieval, ingest and orchestrator.
type Metrics struct {
	registry *prometheus.Registry

	// Labels: model, status (success|error|<provider category>)
	CompletionDuration *prometheus.HistogramVec
	CompletionCounter  *prometheus.CounterVec

	// Labels: tool, status (success|error)
	ToolCallCounter  *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Labels: kind (chat|evaluation|orchestration), outcome
	TurnCounter    *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
	TurnIterations *prometheus.HistogramVec

	// Labels: mode (linear|graph), status
	RetrievalDuration *prometheus.HistogramVec

	// Labels: outcome (complete|partial|failed)
	PassCounter  *prometheus.CounterVec
	PassDuration prometheus.Histogram

	// Labels: type, status (success|error)
	IngestCounter *prometheus.CounterVec

	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CompletionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of model completion requests in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		CompletionCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of model completion requests by model and status",
		}, []string{"model", "status"}),

		ToolCallCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by tool and status",
		}, []string{"tool", "status"}),
		ToolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),

		TurnCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of conversation loop runs by kind and outcome",
		}, []string{"kind", "outcome"}),
		TurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of conversation loop runs in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		TurnIterations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_iterations",
			Help:      "Model calls per conversation loop run",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
		}, []string{"kind"}),

		RetrievalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Duration of retrieval queries in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"mode", "status"}),

		PassCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestration_passes_total",
			Help:      "Total number of orchestration passes by outcome",
		}, []string{"outcome"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_pass_duration_seconds",
			Help:      "Duration of orchestration passes in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900},
		}),

		IngestCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_jobs_total",
			Help:      "Total number of ingest jobs processed by type and status",
		}, []string{"type", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status_code"}),
	}
}

// Registry returns the private registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCompletion(model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CompletionDuration.WithLabelValues(model).Observe(d.Seconds())
	m.CompletionCounter.WithLabelValues(model, completionStatus(err)).Inc()
}

func completionStatus(err error) string {
	if err == nil {
		return "success"
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return "error"
}

func (m *Metrics) ObserveToolCall(tool string, isError bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(tool, status(isError)).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ObserveTurn(kind, outcome string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(kind, outcome).Inc()
	m.TurnDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.TurnIterations.WithLabelValues(kind).Observe(float64(iterations))
}

func (m *Metrics) ObserveRetrieval(mode string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RetrievalDuration.WithLabelValues(mode, status(err != nil)).Observe(d.Seconds())
}

func (m *Metrics) ObservePass(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassCounter.WithLabelValues(outcome).Inc()
	m.PassDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveIngest(jobType string, err error) {
	if m == nil {
		return
	}
	m.IngestCounter.WithLabelValues(jobType, status(err != nil)).Inc()
}

// Middleware records request latency labelled by the matched chi route
// pattern, so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Observe(time.Since(start).Seconds())
	})
}

func status(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
