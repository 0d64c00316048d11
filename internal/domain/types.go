package domain

import "encoding/json"

// Provider identifies an upstream provider dialect.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// APIType returns the wire dialect used for client-facing errors.
func (p Provider) APIType() APIType {
	switch p {
	case ProviderAnthropic:
		return APITypeAnthropic
	case ProviderGemini:
		return APITypeGemini
	default:
		return APITypeOpenAI
	}
}

// Message is the provider-neutral view of one conversation turn.
// Adapters build it; it is read-only to the rest of the proxy.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls are the calls an assistant turn requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-result turns.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// IsToolResult reports whether the message carries a tool result.
func (m Message) IsToolResult() bool {
	return m.ToolCallID != ""
}

// ToolCall is a model-proposed tool invocation. Arguments is either a raw
// string (OpenAI style) or a decoded JSON value (Anthropic/Gemini style).
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// ToolDefinition is a tool schema declared by the caller.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolResult is the content of one tool-result turn, addressable by id
// so it can be rewritten in place.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Content    string
}

// Usage is token usage reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
