package anthropic

import (
	"encoding/json"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/compress"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/tokens"
)

type requestAdapter struct {
	raw      adapter.RawObject
	messages []adapter.RawObject
	original []byte
	counter  tokens.Counter
}

func newRequestAdapter(body []byte, hints adapter.RequestHints, counter tokens.Counter) (*requestAdapter, error) {
	raw, err := adapter.ParseObject(body)
	if err != nil {
		return nil, err
	}
	r := &requestAdapter{raw: raw, original: body, counter: counter}
	if raw.Has("messages") && !raw.Decode("messages", &r.messages) {
		return nil, domain.ErrInvalidRequest("messages must be an array of objects").WithParam("messages")
	}
	if hints.Model != "" && r.Model() == "" {
		r.SetModel(hints.Model)
	}
	if hints.Stream && !r.IsStreaming() {
		_ = r.raw.Set("stream", true)
	}
	if r.Model() == "" {
		return nil, domain.ErrInvalidRequest("model is required").WithParam("model")
	}
	return r, nil
}

func (r *requestAdapter) Model() string           { return r.raw.String("model") }
func (r *requestAdapter) SetModel(model string)   { _ = r.raw.Set("model", model) }
func (r *requestAdapter) IsStreaming() bool       { return r.raw.Bool("stream") }
func (r *requestAdapter) OriginalRequest() []byte { return r.original }

// parts decodes a message's content as typed blocks. String content yields
// nil.
func parts(m adapter.RawObject) []adapter.RawObject {
	var out []adapter.RawObject
	if !m.Decode("content", &out) {
		return nil
	}
	return out
}

// toolResultText flattens a tool_result block's content, which may be a
// string or an array of text blocks.
func toolResultText(part adapter.RawObject) string {
	return adapter.TextContent(part["content"])
}

func (r *requestAdapter) Messages() []domain.Message {
	var out []domain.Message
	if r.raw.Has("system") {
		out = append(out, domain.Message{Role: "system", Content: adapter.TextContent(r.raw["system"])})
	}

	names := r.toolNamesByID()
	for _, m := range r.messages {
		msg := domain.Message{Role: m.String("role"), Content: adapter.TextContent(m["content"])}
		var results []domain.Message
		for _, p := range parts(m) {
			switch p.String("type") {
			case "tool_use":
				var input any
				p.Decode("input", &input)
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID: p.String("id"), Name: p.String("name"), Arguments: input,
				})
			case "tool_result":
				id := p.String("tool_use_id")
				results = append(results, domain.Message{
					Role:       "tool",
					Content:    toolResultText(p),
					ToolCallID: id,
					ToolName:   names[id],
				})
			}
		}
		out = append(out, msg)
		out = append(out, results...)
	}
	return out
}

func (r *requestAdapter) toolNamesByID() map[string]string {
	names := make(map[string]string)
	for _, m := range r.messages {
		for _, p := range parts(m) {
			if p.String("type") == "tool_use" {
				names[p.String("id")] = p.String("name")
			}
		}
	}
	return names
}

func (r *requestAdapter) ProviderMessages() json.RawMessage {
	b, err := json.Marshal(r.messages)
	if err != nil {
		return nil
	}
	return b
}

func (r *requestAdapter) Tools() []domain.ToolDefinition {
	var tools []Tool
	if !r.raw.Decode("tools", &tools) {
		return nil
	}
	out := make([]domain.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		out = append(out, domain.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return out
}

func (r *requestAdapter) HasTools() bool { return len(r.Tools()) > 0 }

func (r *requestAdapter) ToolResults() []domain.ToolResult {
	var out []domain.ToolResult
	for _, msg := range r.Messages() {
		if msg.IsToolResult() {
			out = append(out, domain.ToolResult{ToolCallID: msg.ToolCallID, ToolName: msg.ToolName, Content: msg.Content})
		}
	}
	return out
}

// ApplyToolResultUpdates replaces tool_result content in place. The
// replacement is always a plain string.
func (r *requestAdapter) ApplyToolResultUpdates(updates map[string]string) {
	for _, m := range r.messages {
		ps := parts(m)
		changed := false
		for _, p := range ps {
			if p.String("type") != "tool_result" {
				continue
			}
			if content, ok := updates[p.String("tool_use_id")]; ok {
				_ = p.Set("content", content)
				changed = true
			}
		}
		if changed {
			_ = m.Set("content", ps)
		}
	}
}

func (r *requestAdapter) ApplyTOONCompression(model string) compress.Stats {
	return compress.Apply(r, model, r.counter)
}

func (r *requestAdapter) ToProviderRequest() ([]byte, error) {
	out := r.raw.Clone()
	if r.messages != nil {
		if err := out.Set("messages", r.messages); err != nil {
			return nil, err
		}
	}
	return out.Marshal()
}
