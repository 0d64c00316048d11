package openai

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

type responseAdapter struct {
	resp     ChatCompletionResponse
	original []byte
}

func newResponseAdapter(body []byte) (*responseAdapter, error) {
	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &responseAdapter{resp: resp, original: body}, nil
}

func (r *responseAdapter) Usage() domain.Usage      { return r.resp.Usage.toDomain() }
func (r *responseAdapter) Model() string            { return r.resp.Model }
func (r *responseAdapter) ID() string               { return r.resp.ID }
func (r *responseAdapter) OriginalResponse() []byte { return r.original }

func (r *responseAdapter) FinishReasons() []string {
	out := make([]string, 0, len(r.resp.Choices))
	for _, c := range r.resp.Choices {
		out = append(out, c.FinishReason)
	}
	return out
}

func (r *responseAdapter) ToolCalls() []domain.ToolCall {
	var out []domain.ToolCall
	for _, c := range r.resp.Choices {
		for _, tc := range c.Message.ToolCalls {
			out = append(out, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
	}
	return out
}

func (r *responseAdapter) Text() string {
	var text string
	for _, c := range r.resp.Choices {
		text += adapter.TextContent(c.Message.Content)
	}
	return text
}

// ToRefusalResponse replaces every choice's tool calls with an assistant
// message. Unknown top-level fields of the original response are kept.
func (r *responseAdapter) ToRefusalResponse(refusalText, contentText string) ([]byte, error) {
	raw, err := adapter.ParseObject(r.original)
	if err != nil {
		return nil, adapter.ErrNotObject
	}

	content, _ := json.Marshal(contentText)
	choices := make([]Choice, 0, len(r.resp.Choices))
	for _, c := range r.resp.Choices {
		choices = append(choices, Choice{
			Index: c.Index,
			Message: Message{
				Role:    "assistant",
				Content: content,
				Refusal: refusalText,
			},
			FinishReason: "stop",
		})
	}
	if len(choices) == 0 {
		choices = append(choices, Choice{
			Message:      Message{Role: "assistant", Content: content, Refusal: refusalText},
			FinishReason: "stop",
		})
	}
	if err := raw.Set("choices", choices); err != nil {
		return nil, err
	}
	return raw.Marshal()
}
