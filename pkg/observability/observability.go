// Package observability holds tracing helpers and shared attribute names.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span and attribute names used across the runtime.
const (
	SpanLLMRequest    = "agent.llm_request"
	SpanLLMStream     = "agent.llm_stream"
	SpanEmbed         = "agent.embed"
	SpanLoopIteration = "agent.loop_iteration"
	SpanToolCall      = "agent.tool_call"

	AttrLLMModel    = "llm.model"
	AttrLLMProvider = "llm.provider"
	AttrSessionID   = "agent.session_id"
	AttrIteration   = "agent.iteration"
	AttrToolName    = "agent.tool_name"
)

// GetTracer returns a tracer from the global provider. When no provider is
// installed this yields no-op spans, so instrumented code needs no guards.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
