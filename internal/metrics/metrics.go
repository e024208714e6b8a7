// Package metrics registers the process-wide Prometheus collectors for
// APE's dispatcher and agent loop, exposed on an internal /metrics
// endpoint (spec.md's ambient stack, carried regardless of any
// Non-goal excluding an outer observability layer). Grounded on the
// teacher's internal/observability/metrics.go — same promauto
// constructor idiom and struct-of-collectors shape, trimmed to the
// handful of counters APE's own components actually emit.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector APE registers at startup. Call
// NewMetrics once per process; it registers against the default
// Prometheus registry.
type Metrics struct {
	// ToolCallsTotal counts Capability Registry dispatches by tool name
	// and outcome (success|not_found|validation_error|execution_error).
	ToolCallsTotal *prometheus.CounterVec

	// RateLimitRejectionsTotal counts calls rejected by the per-session
	// FIFO window.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// AgentLoopIterationsTotal counts reason/act iterations by the
	// phase the loop exited in (done|capped|error).
	AgentLoopIterationsTotal *prometheus.CounterVec

	// SignatureFailuresTotal counts envelope verification failures by
	// reason (expired|invalid|error).
	SignatureFailuresTotal *prometheus.CounterVec

	// MCPRequestsTotal counts dispatched JSON-RPC requests by method
	// and outcome (ok|error).
	MCPRequestsTotal *prometheus.CounterVec

	// StagnationRecoveriesTotal counts multi-agent orchestrator
	// recovery cycles triggered by stagnation detection.
	StagnationRecoveriesTotal prometheus.Counter
}

// NewMetrics constructs and registers every collector.
func NewMetrics() *Metrics {
	return &Metrics{
		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ape_tool_calls_total",
				Help: "Total number of Capability Registry tool dispatches by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),
		RateLimitRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ape_rate_limit_rejections_total",
				Help: "Total number of calls rejected by the per-session rate limiter",
			},
			[]string{"session"},
		),
		AgentLoopIterationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ape_agent_loop_iterations_total",
				Help: "Total number of Agent Loop iterations by terminal phase",
			},
			[]string{"phase"},
		),
		SignatureFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ape_signature_failures_total",
				Help: "Total number of signed result envelope verification failures by reason",
			},
			[]string{"reason"},
		),
		MCPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ape_mcp_requests_total",
				Help: "Total number of dispatched MCP JSON-RPC requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		StagnationRecoveriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ape_stagnation_recoveries_total",
				Help: "Total number of multi-agent orchestrator stagnation recovery cycles",
			},
		),
	}
}
