package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's Prometheus metrics.
type Metrics struct {
	// TurnCounter counts turns by terminal outcome.
	// Labels: outcome (complete|error|busy)
	TurnCounter *prometheus.CounterVec

	// TurnIterations observes iterations consumed per turn.
	TurnIterations prometheus.Histogram

	// LLMRequestDuration measures model stream duration in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolCallCounter counts tool invocations.
	// Labels: server, tool, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: server
	ToolCallDuration *prometheus.HistogramVec

	// ServerReconnects counts finished tool-server reconnect sequences.
	// Labels: server, result (success|exhausted)
	ServerReconnects *prometheus.CounterVec

	// ActiveSessions tracks currently-live sessions.
	ActiveSessions prometheus.Gauge

	// HTTPRequestDuration measures API latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_turns_total",
			Help: "Turns processed by terminal outcome.",
		}, []string{"outcome"}),

		TurnIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pilot_turn_iterations",
			Help:    "Iterations consumed per turn.",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
		}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pilot_llm_request_duration_seconds",
			Help:    "Model streaming call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_llm_requests_total",
			Help: "Model calls by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_tool_calls_total",
			Help: "Tool invocations by server, tool, and status.",
		}, []string{"server", "tool", "status"}),

		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pilot_tool_call_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"server"}),

		ServerReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_server_reconnects_total",
			Help: "Finished tool-server reconnect sequences by result.",
		}, []string{"server", "result"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pilot_active_sessions",
			Help: "Sessions currently live in memory.",
		}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pilot_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
	}
}
