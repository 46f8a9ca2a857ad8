package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Message flow through channels (Telegram, Discord, HTTP)
//   - LLM request performance and token usage
//   - Tool execution patterns and latencies
//   - Gateway event delivery
//   - Error rates categorized by type and component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.MessageReceived("telegram", "inbound")
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (telegram|discord|http), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by final audit result.
	// Labels: tool_name, result (success|denied|escalated|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (agent|channel|tool|gateway|mcp), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current active sessions.
	// Labels: channel
	ActiveSessions *prometheus.GaugeVec

	// HTTPRequestDuration measures gateway request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts gateway requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// GatewayEventCounter counts device events by lifecycle action.
	// Labels: action (stored|delivered|acked|expired)
	GatewayEventCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures gateway store query latency.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec

	// MCPRestartCounter counts MCP server restarts.
	// Labels: server
	MCPRestartCounter *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with the default
// Prometheus registry. Call once at application startup.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry is NewMetrics against a caller-owned registry.
// Used by tests to avoid duplicate registration in the default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlia_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "owlia_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlia_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlia_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlia_tool_executions_total",
				Help: "Total number of tool executions by tool name and result",
			},
			[]string{"tool_name", "result"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "owlia_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlia_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "owlia_active_sessions",
				Help: "Current number of active sessions by channel",
			},
			[]string{"channel"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "owlia_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlia_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		GatewayEventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlia_gateway_events_total",
				Help: "Total number of gateway device events by lifecycle action",
			},
			[]string{"action"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "owlia_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		MCPRestartCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owlia_mcp_restarts_total",
				Help: "Total number of MCP server restarts",
			},
			[]string{"server"},
		),
	}
}

// MessageReceived increments the message counter for a channel and direction.
func (m *Metrics) MessageReceived(channel, direction string) {
	m.MessageCounter.WithLabelValues(channel, direction).Inc()
}

// MessageSent increments the message counter for outbound messages.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordLLMRequest records counters and latency for one LLM API request.
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

// RecordToolExecution records counters and latency for one tool execution.
func (m *Metrics) RecordToolExecution(toolName, result string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, result).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records counters and latency for one gateway request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordGatewayEvent counts one device-event lifecycle action.
func (m *Metrics) RecordGatewayEvent(action string) {
	m.GatewayEventCounter.WithLabelValues(action).Inc()
}

// RecordDatabaseQuery records latency for one gateway store query.
func (m *Metrics) RecordDatabaseQuery(operation, table string, durationSeconds float64) {
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordMCPRestart counts one MCP server restart attempt.
func (m *Metrics) RecordMCPRestart(server string) {
	m.MCPRestartCounter.WithLabelValues(server).Inc()
}
