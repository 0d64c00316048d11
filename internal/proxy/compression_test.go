package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter/openai"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage/memory"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/tokens"
)

// recordingCounter estimates like tokens.Estimator and remembers the models
// it was asked about.
type recordingCounter struct {
	est   *tokens.Estimator
	calls atomic.Int32
	model atomic.Value
}

func (c *recordingCounter) Count(model, text string) int {
	c.calls.Add(1)
	c.model.Store(model)
	return c.est.Count(model, text)
}

func tabularToolRequest(t *testing.T) (string, string) {
	t.Helper()
	var rows []string
	for i := 0; i < 20; i++ {
		rows = append(rows, `{"id":`+strings.Repeat("7", i%3+1)+`,"status":"open","title":"bug report"}`)
	}
	result := `{"issues":[` + strings.Join(rows, ",") + `]}`
	body, err := json.Marshal(map[string]any{
		"model": "gpt-4o",
		"messages": []map[string]any{
			{"role": "user", "content": "list issues"},
			{"role": "assistant", "content": nil, "tool_calls": []map[string]any{
				{"id": "call_1", "type": "function", "function": map[string]any{"name": "search", "arguments": "{}"}},
			}},
			{"role": "tool", "tool_call_id": "call_1", "content": result},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(body), result
}

func TestProxy_CompressionUsesProviderCounter(t *testing.T) {
	up := newUpstream(t, jsonResponse(textCompletion))
	counter := &recordingCounter{est: tokens.NewEstimator()}
	registry := adapter.NewRegistry(adapter.Entry{
		Adapter: openai.New(openai.WithBaseURL(up.URL), openai.WithHTTPClient(up.Client()), openai.WithTokenCounter(counter)),
		APIKey:  "sk-configured",
	})
	store := memory.New()
	h := New(registry, store, WithSettings(Settings{Compression: true}))
	r := chi.NewRouter()
	h.Routes(r, "/v1")
	hs := &harness{router: r, store: store, handler: h}

	body, original := tabularToolRequest(t)
	rec := hs.do(t, "/v1/openai/chat/completions", body, callerKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	if counter.calls.Load() == 0 {
		t.Fatal("provider token counter was not consulted")
	}
	if m, _ := counter.model.Load().(string); m != "gpt-4o" {
		t.Errorf("counted for model %q", m)
	}

	_, _, sent := up.seen()
	msgs, _ := sent["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("upstream messages = %v", sent["messages"])
	}
	tool, _ := msgs[2].(map[string]any)
	if content, _ := tool["content"].(string); content == "" || content == original {
		t.Errorf("tool result was not rewritten: %v", tool["content"])
	}

	i := hs.lastInteraction(t)
	if i.TOONSkipReason != "" || i.TOONTokensAfter >= i.TOONTokensBefore {
		t.Errorf("interaction compression = %+v", i)
	}
	if i.TOONCostSavings <= 0 {
		t.Errorf("TOONCostSavings = %v", i.TOONCostSavings)
	}
}
