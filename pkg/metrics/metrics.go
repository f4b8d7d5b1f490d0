// Package metrics holds the prometheus collectors of the generation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forkchat_turns_total",
		Help: "Assistant turns by final state",
	}, []string{"model", "state"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forkchat_turn_duration_seconds",
		Help:    "Wall clock duration of an assistant turn",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"model"})

	RoundsPerTurn = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forkchat_rounds_per_turn",
		Help:    "Streaming rounds needed to settle a turn",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forkchat_llm_requests_total",
		Help: "Streamed model requests",
	}, []string{"model", "status"})

	MalformedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forkchat_malformed_chunks_total",
		Help: "Stream chunks skipped because they could not be decoded",
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forkchat_tool_calls_total",
		Help: "Tool invocations by outcome",
	}, []string{"tool", "status"})

	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forkchat_tool_call_duration_seconds",
		Help:    "Tool invocation duration",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60},
	}, []string{"tool"})

	ArtifactUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forkchat_artifact_upserts_total",
		Help: "Artifact writes done while tool calls stream in",
	}, []string{"status"})
)

// Status maps an error flag to the status label value.
func Status(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
