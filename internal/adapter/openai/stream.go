package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

var doneData = []byte("[DONE]")

// streamAdapter forwards content chunks as they arrive. From the first
// chunk that carries a tool call onward, every chunk is held back in
// toolEvents until the stream ends.
type streamAdapter struct {
	state   adapter.StreamState
	created int64

	toolEvents [][]byte
	buffering  bool
	toolIndex  map[int]int
	toolArgs   []*strings.Builder

	// hideUsage drops the trailing chunk that carries only usage.
	hideUsage bool
}

func newStreamAdapter() *streamAdapter {
	return &streamAdapter{toolIndex: make(map[int]int)}
}

func (s *streamAdapter) ProcessChunk(c adapter.Chunk) (adapter.ChunkResult, error) {
	data := bytes.TrimSpace(c.Data)
	if bytes.Equal(data, doneData) {
		return adapter.ChunkResult{IsFinal: true}, nil
	}

	var chunk ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return adapter.ChunkResult{}, fmt.Errorf("failed to unmarshal chunk: %w", err)
	}

	if chunk.ID != "" {
		s.state.ResponseID = chunk.ID
	}
	if chunk.Model != "" {
		s.state.Model = chunk.Model
	}
	if chunk.Created != 0 {
		s.created = chunk.Created
	}
	if chunk.Usage != nil {
		u := s.state.EnsureUsage()
		u.InputTokens = chunk.Usage.PromptTokens
		u.OutputTokens = chunk.Usage.CompletionTokens
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			s.state.AppendText(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			s.buffering = true
			s.accumulateToolCall(tc)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			s.state.StopReason = *choice.FinishReason
		}
	}

	if s.hideUsage && chunk.Usage != nil && len(chunk.Choices) == 0 {
		return adapter.ChunkResult{}, nil
	}

	frame := adapter.FormatSSE("", data)
	if s.buffering {
		s.toolEvents = append(s.toolEvents, frame)
		return adapter.ChunkResult{}, nil
	}
	return adapter.ChunkResult{SSEData: frame}, nil
}

func (s *streamAdapter) accumulateToolCall(tc ToolCallChunk) {
	i, ok := s.toolIndex[tc.Index]
	if !ok {
		i = len(s.state.ToolCalls)
		s.toolIndex[tc.Index] = i
		s.state.ToolCalls = append(s.state.ToolCalls, domain.ToolCall{})
		s.toolArgs = append(s.toolArgs, &strings.Builder{})
	}
	if tc.ID != "" {
		s.state.ToolCalls[i].ID = tc.ID
	}
	if tc.Function != nil {
		if tc.Function.Name != "" {
			s.state.ToolCalls[i].Name = tc.Function.Name
		}
		s.toolArgs[i].WriteString(tc.Function.Arguments)
	}
}

func (s *streamAdapter) SSEHeaders() http.Header { return adapter.DefaultSSEHeaders() }

func (s *streamAdapter) FormatTextDeltaSSE(text string) []byte {
	return s.chunkFrame(ChunkDelta{Content: text}, nil)
}

// FormatCompleteTextSSE emits text as a whole assistant turn: one content
// chunk, a stop chunk, and a usage chunk when usage was observed and the
// caller asked for it.
func (s *streamAdapter) FormatCompleteTextSSE(text string) [][]byte {
	stop := "stop"
	frames := [][]byte{
		s.chunkFrame(ChunkDelta{Role: "assistant", Content: text}, nil),
		s.chunkFrame(ChunkDelta{}, &stop),
	}
	if s.state.Usage != nil && !s.hideUsage {
		frames = append(frames, s.usageFrame())
	}
	return frames
}

func (s *streamAdapter) RawToolCallEvents() [][]byte { return s.toolEvents }

func (s *streamAdapter) FormatEndSSE() []byte { return adapter.FormatSSE("", doneData) }

func (s *streamAdapter) State() *adapter.StreamState {
	for i, b := range s.toolArgs {
		s.state.ToolCalls[i].Arguments = b.String()
	}
	return &s.state
}

func (s *streamAdapter) ToProviderResponse() ([]byte, error) {
	st := s.State()
	msg := Message{Role: "assistant"}
	if text := st.Text(); text != "" || len(st.ToolCalls) == 0 {
		msg.Content, _ = json.Marshal(text)
	}
	for _, tc := range st.ToolCalls {
		args, _ := tc.Arguments.(string)
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID: tc.ID, Type: "function",
			Function: FunctionCall{Name: tc.Name, Arguments: args},
		})
	}
	resp := ChatCompletionResponse{
		ID:      s.responseID(),
		Object:  "chat.completion",
		Created: s.createdAt(),
		Model:   st.Model,
		Choices: []Choice{{Message: msg, FinishReason: st.StopReason}},
	}
	if st.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     st.Usage.InputTokens,
			CompletionTokens: st.Usage.OutputTokens,
			TotalTokens:      st.Usage.Total(),
		}
	}
	return json.Marshal(resp)
}

func (s *streamAdapter) responseID() string {
	if s.state.ResponseID == "" {
		s.state.ResponseID = "chatcmpl-" + uuid.NewString()
	}
	return s.state.ResponseID
}

func (s *streamAdapter) createdAt() int64 {
	if s.created == 0 {
		s.created = time.Now().Unix()
	}
	return s.created
}

func (s *streamAdapter) chunkFrame(delta ChunkDelta, finish *string) []byte {
	chunk := ChatCompletionChunk{
		ID:      s.responseID(),
		Object:  "chat.completion.chunk",
		Created: s.createdAt(),
		Model:   s.state.Model,
		Choices: []ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
	b, _ := json.Marshal(chunk)
	return adapter.FormatSSE("", b)
}

func (s *streamAdapter) usageFrame() []byte {
	u := s.state.UsageOrZero()
	chunk := ChatCompletionChunk{
		ID:      s.responseID(),
		Object:  "chat.completion.chunk",
		Created: s.createdAt(),
		Model:   s.state.Model,
		Choices: []ChunkChoice{},
		Usage:   &Usage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens, TotalTokens: u.Total()},
	}
	b, _ := json.Marshal(chunk)
	return adapter.FormatSSE("", b)
}
