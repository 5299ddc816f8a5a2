package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors registered on the default registry and served from /metrics.
var (
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agents_rpc_requests_total",
		Help: "JSON-RPC requests by method.",
	}, []string{"method"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agents_task_duration_seconds",
		Help:    "End-to-end task handling duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"status"})

	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agents_model_calls_total",
		Help: "Model generations by provider, model and phase.",
	}, []string{"provider", "model", "phase"})

	ModelTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agents_model_tokens_total",
		Help: "Tokens consumed by direction.",
	}, []string{"provider", "model", "direction"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agents_tool_calls_total",
		Help: "Tool executions by tool name and outcome.",
	}, []string{"tool", "status"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agents_tool_duration_seconds",
		Help:    "Tool execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool"})
)

// ObserveRPC counts one JSON-RPC request.
func ObserveRPC(method string) {
	RPCRequests.WithLabelValues(method).Inc()
}

// ObserveTask records one handled task.
func ObserveTask(status string, started time.Time) {
	TaskDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// ObserveModelCall counts one generation.
func ObserveModelCall(provider, model, phase string, inputTokens, outputTokens int) {
	ModelCalls.WithLabelValues(provider, model, phase).Inc()
	if inputTokens > 0 {
		ModelTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		ModelTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// ObserveTool records one tool execution.
func ObserveTool(tool string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ToolCalls.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(tool).Observe(time.Since(started).Seconds())
}
