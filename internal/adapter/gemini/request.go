package gemini

import (
	"encoding/json"

	"google.golang.org/genai"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/compress"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/tokens"
)

// requestAdapter wraps a generateContent body. Gemini carries the model and
// the streaming flag in the URL, so both come from the hints.
type requestAdapter struct {
	raw      adapter.RawObject
	contents []adapter.RawObject
	model    string
	stream   bool
	original []byte
	counter  tokens.Counter
}

func newRequestAdapter(body []byte, hints adapter.RequestHints, counter tokens.Counter) (*requestAdapter, error) {
	raw, err := adapter.ParseObject(body)
	if err != nil {
		return nil, err
	}
	r := &requestAdapter{raw: raw, original: body, counter: counter, model: hints.Model, stream: hints.Stream}
	if raw.Has("contents") && !raw.Decode("contents", &r.contents) {
		return nil, domain.ErrInvalidRequest("contents must be an array of objects").WithParam("contents")
	}
	if r.model == "" {
		r.model = raw.String("model")
	}
	if r.model == "" {
		return nil, domain.ErrInvalidRequest("model is required").WithParam("model")
	}
	return r, nil
}

func (r *requestAdapter) Model() string           { return r.model }
func (r *requestAdapter) SetModel(model string)   { r.model = model }
func (r *requestAdapter) IsStreaming() bool       { return r.stream }
func (r *requestAdapter) OriginalRequest() []byte { return r.original }

// parts returns a content's parts both raw, for rewriting, and decoded.
func parts(c adapter.RawObject) ([]adapter.RawObject, []genai.Part) {
	var raw []adapter.RawObject
	if !c.Decode("parts", &raw) {
		return nil, nil
	}
	typed := make([]genai.Part, len(raw))
	for i, p := range raw {
		if b, err := p.Marshal(); err == nil {
			_ = json.Unmarshal(b, &typed[i])
		}
	}
	return raw, typed
}

func partsText(ps []genai.Part) string {
	var out string
	for _, p := range ps {
		if p.Text != "" && !p.Thought {
			out += p.Text
		}
	}
	return out
}

func role(r string) string {
	if r == "model" {
		return "assistant"
	}
	if r == "" {
		return "user"
	}
	return r
}

// responseContent flattens a functionResponse payload. A lone string under
// "output" or "result" is returned as is; anything else as JSON.
func responseContent(resp map[string]any) string {
	for _, key := range []string{"output", "result"} {
		if s, ok := resp[key].(string); ok && len(resp) == 1 {
			return s
		}
	}
	if resp == nil {
		return ""
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return ""
	}
	return string(b)
}

func (r *requestAdapter) Messages() []domain.Message {
	var out []domain.Message
	if r.raw.Has("systemInstruction") {
		var sys genai.Content
		if r.raw.Decode("systemInstruction", &sys) {
			var b []genai.Part
			for _, p := range sys.Parts {
				if p != nil {
					b = append(b, *p)
				}
			}
			out = append(out, domain.Message{Role: "system", Content: partsText(b)})
		}
	}

	calls, results := 0, 0
	for _, c := range r.contents {
		_, ps := parts(c)
		msg := domain.Message{Role: role(c.String("role")), Content: partsText(ps)}
		var toolMsgs []domain.Message
		for _, p := range ps {
			if fc := p.FunctionCall; fc != nil {
				id := fc.ID
				if id == "" {
					id = syntheticCallID(fc.Name, calls)
				}
				calls++
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: id, Name: fc.Name, Arguments: fc.Args})
			}
			if fr := p.FunctionResponse; fr != nil {
				id := fr.ID
				if id == "" {
					id = syntheticCallID(fr.Name, results)
				}
				results++
				toolMsgs = append(toolMsgs, domain.Message{
					Role: "tool", Content: responseContent(fr.Response), ToolCallID: id, ToolName: fr.Name,
				})
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 || len(toolMsgs) == 0 {
			out = append(out, msg)
		}
		out = append(out, toolMsgs...)
	}
	return out
}

func (r *requestAdapter) ProviderMessages() json.RawMessage {
	b, err := json.Marshal(r.contents)
	if err != nil {
		return nil
	}
	return b
}

func (r *requestAdapter) Tools() []domain.ToolDefinition {
	var tools []genai.Tool
	if !r.raw.Decode("tools", &tools) {
		return nil
	}
	var out []domain.ToolDefinition
	for _, t := range tools {
		for _, fd := range t.FunctionDeclarations {
			if fd == nil || fd.Name == "" {
				continue
			}
			def := domain.ToolDefinition{Name: fd.Name, Description: fd.Description}
			var schema any = fd.ParametersJsonSchema
			if schema == nil && fd.Parameters != nil {
				schema = fd.Parameters
			}
			if schema != nil {
				def.Parameters, _ = json.Marshal(schema)
			}
			out = append(out, def)
		}
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

// ApplyToolResultUpdates replaces functionResponse payloads with
// {"output": content}, keeping the response's id and name.
func (r *requestAdapter) ApplyToolResultUpdates(updates map[string]string) {
	results := 0
	for _, c := range r.contents {
		raw, ps := parts(c)
		changed := false
		for i, p := range ps {
			fr := p.FunctionResponse
			if fr == nil {
				continue
			}
			id := fr.ID
			if id == "" {
				id = syntheticCallID(fr.Name, results)
			}
			results++
			content, ok := updates[id]
			if !ok {
				continue
			}
			_ = raw[i].Set("functionResponse", genai.FunctionResponse{
				ID: fr.ID, Name: fr.Name, Response: map[string]any{"output": content},
			})
			changed = true
		}
		if changed {
			_ = c.Set("parts", raw)
		}
	}
}

func (r *requestAdapter) ApplyTOONCompression(model string) compress.Stats {
	return compress.Apply(r, model, r.counter)
}

// ToProviderRequest drops any body-level model and stream fields; both
// travel in the URL.
func (r *requestAdapter) ToProviderRequest() ([]byte, error) {
	out := r.raw.Clone()
	delete(out, "model")
	delete(out, "stream")
	if r.contents != nil {
		if err := out.Set("contents", r.contents); err != nil {
			return nil, err
		}
	}
	return out.Marshal()
}
