package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLLMSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartLLMSpan(context.Background(), LLMSpan{Provider: "openai", Model: "gpt-4o", AgentID: "a1", Streaming: true})
	EndLLMSpan(span, LLMResult{
		Model:         "gpt-4o-2024-08-06",
		FinishReasons: []string{"tool_calls"},
		InputTokens:   12,
		OutputTokens:  3,
		BlockedTool:   "shell",
		Status:        "refused",
		Err:           errors.New("boom"),
	})

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "chat gpt-4o" {
		t.Errorf("Name() = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v", s.Status())
	}

	got := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		got[kv.Key] = kv.Value
	}
	if got[AttrSystem].AsString() != "openai" || got[AttrRequestModel].AsString() != "gpt-4o" {
		t.Errorf("request attributes = %v", got)
	}
	if got[AttrResponseModel].AsString() != "gpt-4o-2024-08-06" || got[AttrInputTokens].AsInt64() != 12 {
		t.Errorf("response attributes = %v", got)
	}
	if got[AttrBlockedTool].AsString() != "shell" || !got[AttrStreaming].AsBool() {
		t.Errorf("proxy attributes = %v", got)
	}
}
