package toolpolicy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

func TestNormalizeToolCalls(t *testing.T) {
	calls := []domain.ToolCall{
		{Name: "a", Arguments: "not valid json"},
		{Name: "b", Arguments: `{"path":"/tmp/x"}`},
		{Name: "c", Arguments: map[string]any{"n": 1}},
		{Name: "d", Arguments: nil},
		{Name: "e", Arguments: json.RawMessage(`{"q":"go"}`)},
	}

	got := NormalizeToolCalls(calls)

	want := []Call{
		{Name: "a", Args: `{"raw":"not valid json"}`},
		{Name: "b", Args: `{"path":"/tmp/x"}`},
		{Name: "c", Args: `{"n":1}`},
		{Name: "d", Args: `{}`},
		{Name: "e", Args: `{"q":"go"}`},
	}
	assert.Equal(t, want, got)
}

func TestNormalizeArgs_Idempotent(t *testing.T) {
	inputs := []any{
		"not valid json",
		`{"path":"/tmp/x"}`,
		map[string]any{"nested": map[string]any{"k": "v"}},
		nil,
	}
	for _, in := range inputs {
		once := NormalizeArgs(in)
		twice := NormalizeArgs(once)
		assert.Equal(t, once, twice, "input %v", in)
	}
}
