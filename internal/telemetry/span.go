package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tjfontaine/polyglot-llm-proxy"

// GenAI semantic convention attribute keys.
const (
	AttrSystem        = attribute.Key("gen_ai.system")
	AttrOperation     = attribute.Key("gen_ai.operation.name")
	AttrRequestModel  = attribute.Key("gen_ai.request.model")
	AttrResponseModel = attribute.Key("gen_ai.response.model")
	AttrResponseID    = attribute.Key("gen_ai.response.id")
	AttrFinishReasons = attribute.Key("gen_ai.response.finish_reasons")
	AttrInputTokens   = attribute.Key("gen_ai.usage.input_tokens")
	AttrOutputTokens  = attribute.Key("gen_ai.usage.output_tokens")

	AttrAgentID     = attribute.Key("llm_proxy.agent_id")
	AttrStreaming   = attribute.Key("llm_proxy.stream")
	AttrTrusted     = attribute.Key("llm_proxy.context_trusted")
	AttrBlockedTool = attribute.Key("llm_proxy.blocked_tool")
	AttrStatus      = attribute.Key("llm_proxy.status")
)

// LLMSpan describes a proxied call when its span starts.
type LLMSpan struct {
	Provider  string
	Model     string
	AgentID   string
	Streaming bool
}

// LLMResult describes a proxied call when its span ends.
type LLMResult struct {
	Model         string
	ResponseID    string
	FinishReasons []string
	InputTokens   int
	OutputTokens  int
	Trusted       bool
	BlockedTool   string
	Status        string
	Err           error
}

// StartLLMSpan starts a client span for one upstream chat call.
func StartLLMSpan(ctx context.Context, s LLMSpan) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "chat "+s.Model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrSystem.String(s.Provider),
			AttrOperation.String("chat"),
			AttrRequestModel.String(s.Model),
			AttrAgentID.String(s.AgentID),
			AttrStreaming.Bool(s.Streaming),
		),
	)
}

// EndLLMSpan records the outcome on span and ends it.
func EndLLMSpan(span trace.Span, r LLMResult) {
	attrs := []attribute.KeyValue{
		AttrInputTokens.Int(r.InputTokens),
		AttrOutputTokens.Int(r.OutputTokens),
		AttrTrusted.Bool(r.Trusted),
		AttrStatus.String(r.Status),
	}
	if r.Model != "" {
		attrs = append(attrs, AttrResponseModel.String(r.Model))
	}
	if r.ResponseID != "" {
		attrs = append(attrs, AttrResponseID.String(r.ResponseID))
	}
	if len(r.FinishReasons) > 0 {
		attrs = append(attrs, AttrFinishReasons.StringSlice(r.FinishReasons))
	}
	if r.BlockedTool != "" {
		attrs = append(attrs, AttrBlockedTool.String(r.BlockedTool))
	}
	span.SetAttributes(attrs...)

	if r.Err != nil {
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, r.Err.Error())
	}
	span.End()
}
