package openai

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
	// includeUsage records whether the caller asked for the usage chunk.
	includeUsage bool
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
	var opts adapter.RawObject
	if raw.Decode("stream_options", &opts) {
		r.includeUsage = opts.Bool("include_usage")
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

func (r *requestAdapter) Model() string         { return r.raw.String("model") }
func (r *requestAdapter) SetModel(model string) { _ = r.raw.Set("model", model) }
func (r *requestAdapter) IsStreaming() bool     { return r.raw.Bool("stream") }
func (r *requestAdapter) OriginalRequest() []byte {
	return r.original
}

func (r *requestAdapter) Messages() []domain.Message {
	names := r.toolNamesByID()
	out := make([]domain.Message, 0, len(r.messages))
	for _, m := range r.messages {
		msg := domain.Message{
			Role:       m.String("role"),
			Content:    adapter.TextContent(m["content"]),
			ToolCallID: m.String("tool_call_id"),
		}
		var calls []ToolCall
		if m.Decode("tool_calls", &calls) {
			for _, tc := range calls {
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
				})
			}
		}
		if msg.ToolCallID != "" {
			msg.ToolName = names[msg.ToolCallID]
			if msg.ToolName == "" {
				msg.ToolName = m.String("name")
			}
		}
		out = append(out, msg)
	}
	return out
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
		if t.Function.Name == "" {
			continue
		}
		out = append(out, domain.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

func (r *requestAdapter) HasTools() bool { return len(r.Tools()) > 0 }

// toolNamesByID maps assistant tool call ids to function names so tool
// messages, which carry only the id, can be attributed to a tool.
func (r *requestAdapter) toolNamesByID() map[string]string {
	names := make(map[string]string)
	for _, m := range r.messages {
		var calls []ToolCall
		if m.Decode("tool_calls", &calls) {
			for _, tc := range calls {
				names[tc.ID] = tc.Function.Name
			}
		}
	}
	return names
}

func (r *requestAdapter) ToolResults() []domain.ToolResult {
	var out []domain.ToolResult
	for _, msg := range r.Messages() {
		if msg.Role == "tool" && msg.ToolCallID != "" {
			out = append(out, domain.ToolResult{
				ToolCallID: msg.ToolCallID,
				ToolName:   msg.ToolName,
				Content:    msg.Content,
			})
		}
	}
	return out
}

func (r *requestAdapter) ApplyToolResultUpdates(updates map[string]string) {
	for _, m := range r.messages {
		if m.String("role") != "tool" {
			continue
		}
		if content, ok := updates[m.String("tool_call_id")]; ok {
			_ = m.Set("content", content)
		}
	}
}

func (r *requestAdapter) ApplyTOONCompression(model string) compress.Stats {
	return compress.Apply(r, model, r.counter)
}

// ToProviderRequest encodes the request for upstream. Streaming requests
// always ask for usage in the final chunk so streamed calls can be billed.
func (r *requestAdapter) ToProviderRequest() ([]byte, error) {
	out := r.raw.Clone()
	if r.messages != nil {
		if err := out.Set("messages", r.messages); err != nil {
			return nil, err
		}
	}
	if r.IsStreaming() {
		opts := adapter.RawObject{}
		out.Decode("stream_options", &opts)
		_ = opts.Set("include_usage", true)
		if err := out.Set("stream_options", opts); err != nil {
			return nil, err
		}
	}
	return out.Marshal()
}
