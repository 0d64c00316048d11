package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// streamAdapter translates streamGenerateContent chunks. Every chunk is a
// full GenerateContentResponse; usage metadata is cumulative.
//
// The chunk carrying the finish reason is held back and replayed by
// FormatEndSSE, since a refusal must end the stream with its own finish
// chunk. Once a function call is seen, every later chunk is buffered.
type streamAdapter struct {
	state adapter.StreamState

	buffering  bool
	toolEvents [][]byte
	final      []byte
	// ended is set once a finish chunk has been emitted or buffered.
	ended bool
}

func newStreamAdapter() *streamAdapter {
	return &streamAdapter{}
}

func (s *streamAdapter) ProcessChunk(c adapter.Chunk) (adapter.ChunkResult, error) {
	data := bytes.TrimSpace(c.Data)
	if len(data) == 0 {
		return adapter.ChunkResult{}, nil
	}
	if apiErr := ParseErrorResponse(data); apiErr != nil {
		return adapter.ChunkResult{}, apiErr
	}

	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return adapter.ChunkResult{}, fmt.Errorf("failed to unmarshal chunk: %w", err)
	}
	if resp.ResponseID != "" {
		s.state.ResponseID = resp.ResponseID
	}
	if resp.ModelVersion != "" {
		s.state.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		u := usageFromMetadata(resp.UsageMetadata)
		s.state.Usage = &u
	}

	for _, p := range candidateParts(&resp) {
		if p == nil {
			continue
		}
		if fc := p.FunctionCall; fc != nil {
			s.buffering = true
			id := fc.ID
			if id == "" {
				id = syntheticCallID(fc.Name, len(s.state.ToolCalls))
			}
			s.state.ToolCalls = append(s.state.ToolCalls, domain.ToolCall{ID: id, Name: fc.Name, Arguments: fc.Args})
			continue
		}
		if !p.Thought {
			s.state.AppendText(p.Text)
		}
	}

	final := false
	for _, cand := range resp.Candidates {
		if cand != nil && cand.FinishReason != "" {
			s.state.StopReason = string(cand.FinishReason)
			final = true
		}
	}

	frame := adapter.FormatSSE("", data)
	switch {
	case s.buffering:
		s.toolEvents = append(s.toolEvents, frame)
		s.ended = s.ended || final
		return adapter.ChunkResult{IsFinal: final}, nil
	case final:
		s.final = frame
		return adapter.ChunkResult{IsFinal: true}, nil
	default:
		return adapter.ChunkResult{SSEData: frame}, nil
	}
}

func (s *streamAdapter) SSEHeaders() http.Header { return adapter.DefaultSSEHeaders() }

func (s *streamAdapter) FormatTextDeltaSSE(text string) []byte {
	return s.chunk(text, "", false)
}

// FormatCompleteTextSSE emits text in one chunk that also finishes the
// stream. A held finish chunk is discarded.
func (s *streamAdapter) FormatCompleteTextSSE(text string) [][]byte {
	s.final = nil
	s.ended = true
	return [][]byte{s.chunk(text, finishStop, true)}
}

func (s *streamAdapter) RawToolCallEvents() [][]byte { return s.toolEvents }

// FormatEndSSE replays the held finish chunk. When the stream already
// finished through buffered tool frames or a complete-text chunk, it returns
// nil.
func (s *streamAdapter) FormatEndSSE() []byte {
	if s.final != nil {
		f := s.final
		s.final = nil
		s.ended = true
		return f
	}
	if s.ended {
		return nil
	}
	s.ended = true
	reason := s.state.StopReason
	if reason == "" {
		reason = finishStop
	}
	return s.chunk("", reason, true)
}

func (s *streamAdapter) chunk(text, finishReason string, withUsage bool) []byte {
	body := map[string]any{
		"candidates": []map[string]any{textCandidate(text, finishReason)},
	}
	if s.state.ResponseID != "" {
		body["responseId"] = s.state.ResponseID
	}
	if s.state.Model != "" {
		body["modelVersion"] = s.state.Model
	}
	if withUsage && s.state.Usage != nil {
		body["usageMetadata"] = usageMetadata(*s.state.Usage)
	}
	b, _ := json.Marshal(body)
	return adapter.FormatSSE("", b)
}

func usageMetadata(u domain.Usage) *genai.GenerateContentResponseUsageMetadata {
	return &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     int32(u.InputTokens),
		CandidatesTokenCount: int32(u.OutputTokens),
		TotalTokenCount:      int32(u.Total()),
	}
}

func (s *streamAdapter) State() *adapter.StreamState { return &s.state }

func (s *streamAdapter) ToProviderResponse() ([]byte, error) {
	st := s.State()
	var ps []*genai.Part
	if text := st.Text(); text != "" {
		ps = append(ps, &genai.Part{Text: text})
	}
	for _, tc := range st.ToolCalls {
		args, _ := tc.Arguments.(map[string]any)
		ps = append(ps, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}})
	}
	reason := st.StopReason
	if reason == "" {
		reason = finishStop
	}
	resp := map[string]any{
		"candidates": []map[string]any{{
			"content":      genai.Content{Role: genai.RoleModel, Parts: ps},
			"finishReason": reason,
			"index":        0,
		}},
		"modelVersion": st.Model,
		"responseId":   st.ResponseID,
	}
	if st.Usage != nil {
		resp["usageMetadata"] = usageMetadata(*st.Usage)
	}
	return json.Marshal(resp)
}
