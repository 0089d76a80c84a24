package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the host exports. Register once
// at startup; all collectors go onto the default registry and are served by
// promhttp on /metrics.
type Metrics struct {
	// LLMRequestDuration measures one completion round trip in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completion calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by qualified name.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// StreamFrames counts NDJSON frames written to chat streams.
	// Labels: type (status|log|result|error)
	StreamFrames *prometheus.CounterVec

	// DroppedLogs counts MCP log notifications discarded on a full
	// stream buffer.
	DroppedLogs prometheus.Counter

	// MCPServerUp is 1 while a server is connected and healthy.
	// Labels: server
	MCPServerUp *prometheus.GaugeVec

	// MCPServerRestarts counts automatic restarts.
	// Labels: server
	MCPServerRestarts *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors. Call once.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_llm_request_duration_seconds",
				Help:    "Duration of LLM completion requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_llm_requests_total",
				Help: "Total LLM completion requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tool_executions_total",
				Help: "Total MCP tool executions by qualified tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_tool_execution_duration_seconds",
				Help:    "Duration of MCP tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		StreamFrames: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_stream_frames_total",
				Help: "Total NDJSON frames written to chat streams by frame type",
			},
			[]string{"type"},
		),

		DroppedLogs: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_stream_dropped_logs_total",
				Help: "MCP log notifications dropped because a stream buffer was full",
			},
		),

		MCPServerUp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_mcp_server_up",
				Help: "1 while the MCP server is connected and healthy",
			},
			[]string{"server"},
		),

		MCPServerRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_mcp_server_restarts_total",
				Help: "Automatic MCP server restarts",
			},
			[]string{"server"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordLLMRequest records one completion round trip.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// FrameWritten counts one stream frame. Satisfies the stream package's
// Metrics interface.
func (m *Metrics) FrameWritten(frameType string) {
	m.StreamFrames.WithLabelValues(frameType).Inc()
}

// LogDropped counts one discarded log notification. Satisfies the stream
// package's Metrics interface.
func (m *Metrics) LogDropped() {
	m.DroppedLogs.Inc()
}

// ServerUp flips the per-server health gauge.
func (m *Metrics) ServerUp(server string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	m.MCPServerUp.WithLabelValues(server).Set(value)
}

// ServerRestarted counts one automatic restart.
func (m *Metrics) ServerRestarted(server string) {
	m.MCPServerRestarts.WithLabelValues(server).Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
