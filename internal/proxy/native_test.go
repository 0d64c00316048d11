package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter/anthropic"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter/gemini"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/server"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage/memory"
)

// newNativeHarness serves the Anthropic and Gemini dialects against up.
func newNativeHarness(t *testing.T, up *upstream, opts ...Option) *harness {
	t.Helper()
	store := memory.New()
	registry := adapter.NewRegistry(
		adapter.Entry{Adapter: anthropic.New(anthropic.WithBaseURL(up.URL), anthropic.WithHTTPClient(up.Client()))},
		adapter.Entry{Adapter: gemini.New(gemini.WithBaseURL(up.URL), gemini.WithHTTPClient(up.Client()))},
	)
	h := New(registry, store, opts...)
	r := chi.NewRouter()
	r.Use(server.RateLimitNormalizingMiddleware)
	h.Routes(r, "/v1")
	return &harness{router: r, store: store, handler: h}
}

// eventStream writes named server-sent events, given as event/data pairs.
func eventStream(pairs ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i+1 < len(pairs); i += 2 {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", pairs[i], pairs[i+1])
			w.(http.Flusher).Flush()
		}
	}
}

type sseFrame struct {
	event string
	data  map[string]any
}

// sseFrames splits a recorded stream into its frames.
func sseFrames(t *testing.T, body string) []sseFrame {
	t.Helper()
	var out []sseFrame
	for _, raw := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(raw, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.data); err != nil {
					t.Fatalf("frame data %q: %v", line, err)
				}
			}
		}
		out = append(out, f)
	}
	return out
}

func blockTool(t *testing.T, hs *harness, tool string) {
	t.Helper()
	err := hs.store.UpsertToolPolicy(context.Background(), domain.ToolInvocationPolicy{
		ID: "block-" + tool, AgentID: "default", ToolName: tool,
		Action: domain.ActionBlockAlways, Reason: "not in this repo",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func allowTool(t *testing.T, hs *harness, tool string) {
	t.Helper()
	err := hs.store.UpsertToolPolicy(context.Background(), domain.ToolInvocationPolicy{
		ID: "allow-" + tool, AgentID: "default", ToolName: tool,
		Action: domain.ActionAllowWhenContextIsUntrusted,
	})
	if err != nil {
		t.Fatal(err)
	}
}

const (
	anthropicRequest = `{"model":"claude-sonnet-4-20250514","max_tokens":256,` +
		`"messages":[{"role":"user","content":"clean up"}],` +
		`"tools":[{"name":"delete_repo","input_schema":{"type":"object"}}]}`
	anthropicStreamRequest = `{"model":"claude-sonnet-4-20250514","max_tokens":256,"stream":true,` +
		`"messages":[{"role":"user","content":"clean up"}],` +
		`"tools":[{"name":"delete_repo","input_schema":{"type":"object"}}]}`
	anthropicToolUse = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",` +
		`"content":[{"type":"text","text":"Deleting."},{"type":"tool_use","id":"toolu_9","name":"delete_repo","input":{"repo":"proxy"}}],` +
		`"stop_reason":"tool_use","usage":{"input_tokens":10,"output_tokens":5}}`
)

var anthropicToolStream = []string{
	"message_start", `{"type":"message_start","message":{"id":"msg_s","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`,
	"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check."}}`,
	"content_block_stop", `{"type":"content_block_stop","index":0}`,
	"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"delete_repo","input":{}}}`,
	"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"repo\":\"proxy\"}"}}`,
	"content_block_stop", `{"type":"content_block_stop","index":1}`,
	"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
	"message_stop", `{"type":"message_stop"}`,
}

func TestProxy_AnthropicMessages(t *testing.T) {
	tests := []struct {
		name    string
		block   bool
		headers map[string]string
	}{
		{"allowed via x-api-key", false, map[string]string{"x-api-key": "sk-ant-caller"}},
		{"blocked via bearer", true, map[string]string{"Authorization": "Bearer sk-ant-caller"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newUpstream(t, jsonResponse(anthropicToolUse))
			hs := newNativeHarness(t, up)
			if tt.block {
				blockTool(t, hs, "delete_repo")
			} else {
				allowTool(t, hs, "delete_repo")
			}

			rec := hs.do(t, "/v1/anthropic/messages", anthropicRequest, tt.headers)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			u, header := up.request()
			if u.Path != "/v1/messages" || header.Get("x-api-key") != "sk-ant-caller" {
				t.Errorf("upstream path = %q, x-api-key = %q", u.Path, header.Get("x-api-key"))
			}
			if header.Get("anthropic-version") == "" {
				t.Error("anthropic-version not sent")
			}

			var resp anthropic.MessagesResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("body is not a Messages response: %v: %s", err, rec.Body)
			}
			i := hs.lastInteraction(t)
			if i.Provider != domain.ProviderAnthropic || i.Model != "claude-sonnet-4-20250514" {
				t.Errorf("interaction = %+v", i)
			}

			if !tt.block {
				if rec.Body.String() != anthropicToolUse || i.Status != domain.InteractionSuccess {
					t.Errorf("allowed response modified: %s", rec.Body)
				}
				return
			}
			if resp.StopReason != "end_turn" || len(resp.Content) != 1 || resp.Content[0].Type != "text" {
				t.Fatalf("refusal = %+v", resp)
			}
			text := resp.Content[0].Text
			if !strings.HasPrefix(text, "Deleting.\n\n") || !strings.Contains(text, "delete_repo tool, but it was blocked") {
				t.Errorf("refusal text = %q", text)
			}
			if i.Status != domain.InteractionRefused || i.BlockedToolName != "delete_repo" {
				t.Errorf("interaction = %+v", i)
			}
		})
	}
}

func TestProxy_AnthropicStreamAllowed(t *testing.T) {
	up := newUpstream(t, eventStream(anthropicToolStream...))
	hs := newNativeHarness(t, up)
	allowTool(t, hs, "delete_repo")

	rec := hs.do(t, "/v1/anthropic/messages", anthropicStreamRequest, map[string]string{"x-api-key": "sk-ant-caller"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	for _, want := range []string{"Let me check.", `"type":"tool_use"`, `"stop_reason":"tool_use"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q: %s", want, body)
		}
	}
	if !strings.HasSuffix(body, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n") {
		t.Errorf("stream did not end with message_stop: %s", body)
	}
	i := hs.lastInteraction(t)
	if !i.Streaming || i.Status != domain.InteractionSuccess || i.InputTokens != 12 || i.OutputTokens != 20 {
		t.Errorf("interaction = %+v", i)
	}
}

func TestProxy_AnthropicStreamBlockedAfterProgress(t *testing.T) {
	up := newUpstream(t, eventStream(anthropicToolStream...))
	hs := newNativeHarness(t, up, WithSettings(Settings{Trust: progressTrust{}}))
	blockTool(t, hs, "delete_repo")

	rec := hs.do(t, "/v1/anthropic/messages", anthropicStreamRequest, map[string]string{"x-api-key": "sk-ant-caller"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()

	if n := strings.Count(body, "event: message_start\n"); n != 1 {
		t.Errorf("message_start sent %d times: %s", n, body)
	}
	if strings.Contains(body, "tool_use") || strings.Contains(body, "toolu_1") {
		t.Errorf("tool frames leaked: %s", body)
	}

	// progress owns block 0, upstream text moves to 1, the refusal takes 2
	var got []string
	for _, f := range sseFrames(t, body) {
		switch f.event {
		case "content_block_start", "content_block_stop":
			got = append(got, fmt.Sprintf("%s %v", f.event, f.data["index"]))
		case "content_block_delta":
			delta, _ := f.data["delta"].(map[string]any)
			got = append(got, fmt.Sprintf("%s %v %v", f.event, f.data["index"], delta["text"]))
		default:
			got = append(got, f.event)
		}
	}
	refusal := fmt.Sprintf(RefusalFormat, "delete_repo", "not in this repo")
	want := []string{
		"message_start",
		"content_block_start 0",
		"content_block_delta 0 Checking tool results...",
		"content_block_stop 0",
		"content_block_start 1",
		"content_block_delta 1 Let me check.",
		"content_block_stop 1",
		"content_block_start 2",
		"content_block_delta 2 " + refusal,
		"content_block_stop 2",
		"message_delta",
		"message_stop",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	if !strings.Contains(body, `"stop_reason":"end_turn"`) {
		t.Errorf("refusal did not end the turn: %s", body)
	}

	if i := hs.lastInteraction(t); i.Status != domain.InteractionRefused || i.BlockedToolName != "delete_repo" {
		t.Errorf("interaction = %+v", i)
	}
}

const (
	geminiRequest = `{"contents":[{"role":"user","parts":[{"text":"clean up"}]}],` +
		`"tools":[{"functionDeclarations":[{"name":"delete_repo","parametersJsonSchema":{"type":"object"}}]}]}`
	geminiFunctionCall = `{"candidates":[{"content":{"role":"model","parts":[{"text":"Deleting."},{"functionCall":{"name":"delete_repo","args":{"repo":"proxy"}}}]},"finishReason":"STOP","index":0}],` +
		`"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15},"modelVersion":"gemini-2.0-flash","responseId":"resp_1"}`
)

func TestProxy_GeminiGenerateContent(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		block   bool
		headers map[string]string
	}{
		{"allowed via x-goog-api-key", "/v1/gemini/models/gemini-2.0-flash:generateContent", false, map[string]string{"x-goog-api-key": "g-caller"}},
		{"blocked via key parameter", "/v1/gemini/models/gemini-2.0-flash:generateContent?key=g-caller", true, nil},
		{"versioned path", "/v1/gemini/v1beta/models/gemini-2.0-flash:generateContent", true, map[string]string{"x-goog-api-key": "g-caller"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newUpstream(t, jsonResponse(geminiFunctionCall))
			hs := newNativeHarness(t, up)
			if tt.block {
				blockTool(t, hs, "delete_repo")
			} else {
				allowTool(t, hs, "delete_repo")
			}

			rec := hs.do(t, tt.path, geminiRequest, tt.headers)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			u, header := up.request()
			if u.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
				t.Errorf("upstream path = %q, want the model from the route", u.Path)
			}
			if header.Get("x-goog-api-key") != "g-caller" {
				t.Errorf("upstream x-goog-api-key = %q", header.Get("x-goog-api-key"))
			}
			if u.Query().Get("key") != "" {
				t.Error("caller key leaked into the upstream query")
			}

			i := hs.lastInteraction(t)
			if i.Provider != domain.ProviderGemini || i.BaselineModel != "gemini-2.0-flash" {
				t.Errorf("interaction = %+v", i)
			}
			body := rec.Body.String()
			if !tt.block {
				if body != geminiFunctionCall || i.Status != domain.InteractionSuccess {
					t.Errorf("allowed response modified: %s", body)
				}
				return
			}
			if strings.Contains(body, "functionCall") || !strings.Contains(body, "delete_repo tool, but it was blocked") {
				t.Errorf("refusal body = %s", body)
			}
			if !strings.Contains(body, `"finishReason":"STOP"`) || !strings.Contains(body, `"responseId":"resp_1"`) {
				t.Errorf("refusal lost its envelope: %s", body)
			}
			if i.Status != domain.InteractionRefused {
				t.Errorf("interaction status = %s", i.Status)
			}
		})
	}
}

func TestProxy_GeminiStreamHoldsFinishChunk(t *testing.T) {
	up := newUpstream(t, sseResponse(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"1, 2"}]},"index":0}],"responseId":"r1","modelVersion":"gemini-2.0-flash"}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":", 3"}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6}}`,
	))
	hs := newNativeHarness(t, up)

	rec := hs.do(t, "/v1/gemini/models/gemini-2.0-flash:streamGenerateContent?alt=sse", geminiRequest, map[string]string{"x-goog-api-key": "g-caller"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	u, _ := up.request()
	if u.Path != "/v1beta/models/gemini-2.0-flash:streamGenerateContent" || u.Query().Get("alt") != "sse" {
		t.Errorf("upstream url = %s", u)
	}

	body := rec.Body.String()
	if n := strings.Count(body, `"finishReason"`); n != 1 {
		t.Errorf("finish chunk sent %d times: %s", n, body)
	}
	frames := sseFrames(t, body)
	if len(frames) != 2 {
		t.Fatalf("frames = %d: %s", len(frames), body)
	}
	last, _ := json.Marshal(frames[1].data)
	if !strings.Contains(string(last), `", 3"`) || !strings.Contains(string(last), `"finishReason":"STOP"`) {
		t.Errorf("held finish chunk not replayed last: %s", body)
	}

	i := hs.lastInteraction(t)
	if !i.Streaming || i.Status != domain.InteractionSuccess || i.OutputTokens != 6 {
		t.Errorf("interaction = %+v", i)
	}
}

func TestProxy_GeminiStreamBlocked(t *testing.T) {
	up := newUpstream(t, sseResponse(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Deleting."}]},"index":0}],"responseId":"r2"}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"delete_repo","args":{"repo":"proxy"}}}]},"finishReason":"STOP","index":0}]}`,
	))
	hs := newNativeHarness(t, up)
	blockTool(t, hs, "delete_repo")

	rec := hs.do(t, "/v1/gemini/models/gemini-2.0-flash:streamGenerateContent", geminiRequest, map[string]string{"x-goog-api-key": "g-caller"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if strings.Contains(body, "functionCall") {
		t.Errorf("function call leaked: %s", body)
	}
	if !strings.Contains(body, "Deleting.") || !strings.Contains(body, "delete_repo tool, but it was blocked") {
		t.Errorf("stream body = %s", body)
	}
	// the refusal chunk is the only finish
	if n := strings.Count(body, `"finishReason"`); n != 1 {
		t.Errorf("finish chunks = %d: %s", n, body)
	}
	if i := hs.lastInteraction(t); i.Status != domain.InteractionRefused || i.BlockedToolName != "delete_repo" {
		t.Errorf("interaction = %+v", i)
	}
}

func TestProxy_GeminiStreamAllowed(t *testing.T) {
	up := newUpstream(t, sseResponse(
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"delete_repo","args":{"repo":"proxy"}}}]},"finishReason":"STOP","index":0}],"responseId":"r3"}`,
	))
	hs := newNativeHarness(t, up)
	allowTool(t, hs, "delete_repo")

	rec := hs.do(t, "/v1/gemini/models/gemini-2.0-flash:streamGenerateContent", geminiRequest, map[string]string{"x-goog-api-key": "g-caller"})
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, `"functionCall"`) {
		t.Fatalf("status = %d, body = %s", rec.Code, body)
	}
	if n := strings.Count(body, `"finishReason"`); n != 1 {
		t.Errorf("finish chunks = %d: %s", n, body)
	}
	if i := hs.lastInteraction(t); i.Status != domain.InteractionSuccess {
		t.Errorf("interaction status = %s", i.Status)
	}
}
