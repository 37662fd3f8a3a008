package mcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcomes used as the "outcome" label.
const (
	outcomeSuccess     = "success"
	outcomeToolError   = "tool_error"
	outcomeError       = "error"
	outcomeTimeout     = "timeout"
	outcomeCircuitOpen = "circuit_open"
	outcomeNotFound    = "not_found"
)

var (
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_mcp_tool_calls_total",
			Help: "MCP tool calls by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolbridge_mcp_tool_call_duration_seconds",
			Help:    "MCP tool call latency by server",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"server"},
	)

	liveServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolbridge_mcp_live_servers",
			Help: "Number of MCP servers currently connected",
		},
	)
)

// callOutcome classifies a finished call for the outcome label.
func callOutcome(res CallResult, err error) string {
	switch {
	case err == nil && res.Success:
		return outcomeSuccess
	case err == nil:
		return outcomeToolError
	case IsKind(err, KindTimeout):
		return outcomeTimeout
	case IsKind(err, KindCircuitOpen):
		return outcomeCircuitOpen
	case IsKind(err, KindServerNotFound):
		return outcomeNotFound
	default:
		return outcomeError
	}
}
