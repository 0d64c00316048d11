package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

type responseAdapter struct {
	resp     genai.GenerateContentResponse
	original []byte
}

func newResponseAdapter(body []byte) (*responseAdapter, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &responseAdapter{resp: resp, original: body}, nil
}

func (r *responseAdapter) Usage() domain.Usage      { return usageFromMetadata(r.resp.UsageMetadata) }
func (r *responseAdapter) Model() string            { return r.resp.ModelVersion }
func (r *responseAdapter) ID() string               { return r.resp.ResponseID }
func (r *responseAdapter) OriginalResponse() []byte { return r.original }

func (r *responseAdapter) FinishReasons() []string {
	var out []string
	for _, c := range r.resp.Candidates {
		if c != nil && c.FinishReason != "" {
			out = append(out, string(c.FinishReason))
		}
	}
	return out
}

// candidateParts returns the first candidate's parts.
func candidateParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content.Parts
}

func (r *responseAdapter) ToolCalls() []domain.ToolCall {
	var out []domain.ToolCall
	for _, p := range candidateParts(&r.resp) {
		if p == nil || p.FunctionCall == nil {
			continue
		}
		fc := p.FunctionCall
		id := fc.ID
		if id == "" {
			id = syntheticCallID(fc.Name, len(out))
		}
		out = append(out, domain.ToolCall{ID: id, Name: fc.Name, Arguments: fc.Args})
	}
	return out
}

func (r *responseAdapter) Text() string {
	var b strings.Builder
	for _, p := range candidateParts(&r.resp) {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToRefusalResponse replaces the candidates with a single text candidate.
func (r *responseAdapter) ToRefusalResponse(_ string, contentText string) ([]byte, error) {
	raw, err := adapter.ParseObject(r.original)
	if err != nil {
		return nil, adapter.ErrNotObject
	}
	if err := raw.Set("candidates", []map[string]any{textCandidate(contentText, finishStop)}); err != nil {
		return nil, err
	}
	return raw.Marshal()
}

// textCandidate builds a model text candidate. genai.Candidate is not used
// so that an empty finish reason is omitted rather than written as "".
func textCandidate(text, finishReason string) map[string]any {
	c := map[string]any{
		"content": genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
		"index":   0,
	}
	if finishReason != "" {
		c["finishReason"] = finishReason
	}
	return c
}
