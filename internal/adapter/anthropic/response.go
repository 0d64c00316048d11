package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

type responseAdapter struct {
	resp     MessagesResponse
	original []byte
}

func newResponseAdapter(body []byte) (*responseAdapter, error) {
	var resp MessagesResponse
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
	if r.resp.StopReason == "" {
		return nil
	}
	return []string{r.resp.StopReason}
}

func (r *responseAdapter) ToolCalls() []domain.ToolCall {
	var out []domain.ToolCall
	for _, c := range r.resp.Content {
		if c.Type == "tool_use" {
			out = append(out, domain.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Input})
		}
	}
	return out
}

func (r *responseAdapter) Text() string {
	var b strings.Builder
	for _, c := range r.resp.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ToRefusalResponse replaces the content with a single text block and ends
// the turn.
func (r *responseAdapter) ToRefusalResponse(_ string, contentText string) ([]byte, error) {
	raw, err := adapter.ParseObject(r.original)
	if err != nil {
		return nil, adapter.ErrNotObject
	}
	if err := raw.Set("content", []ResponseContent{{Type: "text", Text: contentText}}); err != nil {
		return nil, err
	}
	if err := raw.Set("stop_reason", "end_turn"); err != nil {
		return nil, err
	}
	return raw.Marshal()
}
