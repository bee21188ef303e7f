package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects application metrics for the analysis service.
//
// Built on Prometheus, it tracks:
//   - LLM request latency, counts, and token consumption per provider/model
//   - Tool execution counts and durations
//   - Query compilation/execution latency and returned row counts
//   - HTTP request latency and counts
//   - Active analysis loops for capacity planning
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// QueryDuration measures SQL execution latency in seconds.
	QueryDuration prometheus.Histogram

	// QueryRows tracks rows returned per query.
	QueryRows prometheus.Histogram

	// QueryCacheCounter counts query cache lookups.
	// Labels: result (hit|miss)
	QueryCacheCounter *prometheus.CounterVec

	// ErrorCounter tracks taxonomy errors.
	// Labels: component (loop|tool|query|provider), error_code
	ErrorCounter *prometheus.CounterVec

	// ActiveAnalyses is a gauge of currently running analysis loops.
	ActiveAnalyses prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datalens_llm_request_duration_seconds",
			Help:    "LLM API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_llm_requests_total",
			Help: "LLM requests by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_llm_tokens_total",
			Help: "Tokens consumed by provider, model, and direction.",
		}, []string{"provider", "model", "type"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_tool_executions_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datalens_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool_name"}),

		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "datalens_query_duration_seconds",
			Help:    "SQL execution latency for compiled queries.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),

		QueryRows: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "datalens_query_rows",
			Help:    "Rows returned per compiled query.",
			Buckets: []float64{1, 10, 100, 1000, 10000},
		}),

		QueryCacheCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_query_cache_total",
			Help: "Query cache lookups by result.",
		}, []string{"result"}),

		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_errors_total",
			Help: "Errors by component and taxonomy code.",
		}, []string{"component", "error_code"}),

		ActiveAnalyses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datalens_active_analyses",
			Help: "Currently running analysis loops.",
		}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datalens_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		}, []string{"method", "path", "status_code"}),

		HTTPRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_http_requests_total",
			Help: "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status_code"}),
	}
}
