// Package toolpolicy decides whether a batch of model-proposed tool calls
// may be revealed to the caller.
package toolpolicy

import (
	"encoding/json"
	"strings"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// Call is a tool call in policy form: the name and its arguments as a JSON
// string.
type Call struct {
	Name string `json:"toolCallName"`
	Args string `json:"toolCallArgs"`
}

// NormalizeToolCalls converts tool calls into policy form, preserving order.
// A string argument that is valid JSON is kept verbatim; any other string is
// wrapped as {"raw": <original>}. Structured arguments are marshaled, and nil
// becomes "{}".
func NormalizeToolCalls(calls []domain.ToolCall) []Call {
	out := make([]Call, 0, len(calls))
	for _, tc := range calls {
		out = append(out, Call{Name: tc.Name, Args: NormalizeArgs(tc.Arguments)})
	}
	return out
}

// NormalizeArgs returns the JSON-string form of one tool call's arguments.
func NormalizeArgs(args any) string {
	switch v := args.(type) {
	case nil:
		return "{}"
	case string:
		if strings.TrimSpace(v) == "" {
			return "{}"
		}
		if json.Valid([]byte(v)) {
			return v
		}
		return wrapRaw(v)
	case json.RawMessage:
		if len(v) == 0 {
			return "{}"
		}
		if json.Valid(v) {
			return string(v)
		}
		return wrapRaw(string(v))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return wrapRaw(err.Error())
		}
		return string(b)
	}
}

func wrapRaw(s string) string {
	b, _ := json.Marshal(map[string]string{"raw": s})
	return string(b)
}
