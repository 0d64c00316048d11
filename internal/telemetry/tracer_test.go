package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	defer func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	}()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := InitTracer(TracerConfig{ServiceName: "proxy-test", Version: "1.2.3", Writer: &buf}, logger)
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}

	_, span := StartLLMSpan(context.Background(), LLMSpan{Provider: "openai", Model: "gpt-4o"})
	EndLLMSpan(span, LLMResult{Status: "success"})

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"chat gpt-4o", "proxy-test", "1.2.3"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported spans missing %q:\n%s", want, out)
		}
	}

	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
}

func TestInitTracer_RequiresServiceName(t *testing.T) {
	if _, err := InitTracer(TracerConfig{}, slog.Default()); err == nil {
		t.Fatal("Expected error without service name")
	}
}

func TestTracerConfig_Sampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := TracerConfig{SampleRatio: tt.ratio}.sampler().Description()
		if !strings.Contains(got, tt.want) {
			t.Errorf("ratio %v: sampler = %q, want it to contain %q", tt.ratio, got, tt.want)
		}
	}
}
