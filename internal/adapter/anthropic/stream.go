package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// streamAdapter forwards text blocks as they arrive and holds back every
// event from the first tool_use block onward.
//
// Progress text written before upstream starts opens a synthetic message
// and text block. When upstream's message_start then arrives it is
// swallowed, the progress block is closed, and upstream block indices are
// shifted past it so the client sees one well-formed message.
type streamAdapter struct {
	state adapter.StreamState

	started       bool
	progressOpen  bool
	progressIndex int
	indexOffset   int
	nextIndex     int

	buffering  bool
	toolEvents [][]byte
	toolIndex  map[int]int
	toolArgs   []*strings.Builder
}

func newStreamAdapter() *streamAdapter {
	return &streamAdapter{toolIndex: make(map[int]int)}
}

func (s *streamAdapter) ProcessChunk(c adapter.Chunk) (adapter.ChunkResult, error) {
	data := bytes.TrimSpace(c.Data)
	event := c.Event
	if event == "" {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return adapter.ChunkResult{}, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		event = head.Type
	}

	switch event {
	case "message_start":
		var ev MessageStartEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return adapter.ChunkResult{}, fmt.Errorf("failed to unmarshal message_start: %w", err)
		}
		s.state.ResponseID = ev.Message.ID
		s.state.Model = ev.Message.Model
		u := ev.Message.Usage.toDomain()
		s.state.Usage = &u
		if s.started {
			return adapter.ChunkResult{SSEData: s.closeProgress()}, nil
		}
		s.started = true
		return s.emit(event, data), nil

	case "content_block_start":
		var ev ContentBlockStartEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return adapter.ChunkResult{}, fmt.Errorf("failed to unmarshal content_block_start: %w", err)
		}
		if ev.ContentBlock.Type == "tool_use" {
			s.buffering = true
			s.startToolCall(ev.Index, ev.ContentBlock)
		}
		if idx := ev.Index + s.indexOffset + 1; idx > s.nextIndex && !s.buffering {
			s.nextIndex = idx
		}
		return s.emitBlock(event, data)

	case "content_block_delta":
		var ev ContentBlockDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return adapter.ChunkResult{}, fmt.Errorf("failed to unmarshal content_block_delta: %w", err)
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.state.AppendText(ev.Delta.Text)
		case "input_json_delta":
			if i, ok := s.toolIndex[ev.Index]; ok {
				s.toolArgs[i].WriteString(ev.Delta.PartialJSON)
			}
		}
		return s.emitBlock(event, data)

	case "content_block_stop":
		return s.emitBlock(event, data)

	case "message_delta":
		var ev MessageDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return adapter.ChunkResult{}, fmt.Errorf("failed to unmarshal message_delta: %w", err)
		}
		if ev.Delta.StopReason != "" {
			s.state.StopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			u := s.state.EnsureUsage()
			u.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				u.InputTokens = ev.Usage.InputTokens
			}
		}
		return s.emit(event, data), nil

	case "message_stop":
		return adapter.ChunkResult{IsFinal: true}, nil

	case "error":
		if apiErr := ParseErrorResponse(data); apiErr != nil {
			return adapter.ChunkResult{}, apiErr
		}
		return adapter.ChunkResult{}, domain.ErrServer("upstream stream error: " + string(data))

	default:
		// ping and unknown events
		return s.emit(event, data), nil
	}
}

func (s *streamAdapter) startToolCall(index int, block ResponseContent) {
	s.toolIndex[index] = len(s.state.ToolCalls)
	s.state.ToolCalls = append(s.state.ToolCalls, domain.ToolCall{ID: block.ID, Name: block.Name})
	s.toolArgs = append(s.toolArgs, &strings.Builder{})
}

// emit forwards a frame, or holds it back once a tool call has been seen.
func (s *streamAdapter) emit(event string, data []byte) adapter.ChunkResult {
	frame := adapter.FormatSSE(event, data)
	if s.buffering {
		s.toolEvents = append(s.toolEvents, frame)
		return adapter.ChunkResult{}
	}
	return adapter.ChunkResult{SSEData: frame}
}

// emitBlock is emit for content_block_* events, shifting the block index
// past any synthetic progress block.
func (s *streamAdapter) emitBlock(event string, data []byte) (adapter.ChunkResult, error) {
	if s.indexOffset > 0 {
		obj, err := adapter.ParseObject(data)
		if err != nil {
			return adapter.ChunkResult{}, fmt.Errorf("failed to unmarshal %s: %w", event, err)
		}
		var idx int
		obj.Decode("index", &idx)
		_ = obj.Set("index", idx+s.indexOffset)
		if data, err = obj.Marshal(); err != nil {
			return adapter.ChunkResult{}, err
		}
	}
	return s.emit(event, data), nil
}

func (s *streamAdapter) SSEHeaders() http.Header { return adapter.DefaultSSEHeaders() }

func (s *streamAdapter) FormatTextDeltaSSE(text string) []byte {
	var b bytes.Buffer
	b.Write(s.ensureStarted())
	if !s.progressOpen {
		s.progressOpen = true
		s.progressIndex = s.nextIndex
		s.nextIndex++
		b.Write(frame("content_block_start", ContentBlockStartEvent{
			Type: "content_block_start", Index: s.progressIndex,
			ContentBlock: ResponseContent{Type: "text", Text: ""},
		}))
	}
	b.Write(frame("content_block_delta", ContentBlockDeltaEvent{
		Type: "content_block_delta", Index: s.progressIndex,
		Delta: BlockDelta{Type: "text_delta", Text: text},
	}))
	return b.Bytes()
}

// FormatCompleteTextSSE emits text as its own content block followed by an
// end_turn message_delta.
func (s *streamAdapter) FormatCompleteTextSSE(text string) [][]byte {
	var frames [][]byte
	if start := s.ensureStarted(); start != nil {
		frames = append(frames, start)
	}
	if stop := s.closeProgress(); stop != nil {
		frames = append(frames, stop)
	}
	idx := s.nextIndex
	s.nextIndex++
	frames = append(frames,
		frame("content_block_start", ContentBlockStartEvent{
			Type: "content_block_start", Index: idx,
			ContentBlock: ResponseContent{Type: "text", Text: ""},
		}),
		frame("content_block_delta", ContentBlockDeltaEvent{
			Type: "content_block_delta", Index: idx,
			Delta: BlockDelta{Type: "text_delta", Text: text},
		}),
		frame("content_block_stop", ContentBlockStopEvent{Type: "content_block_stop", Index: idx}),
		frame("message_delta", MessageDeltaEvent{
			Type:  "message_delta",
			Delta: MessageDelta{StopReason: "end_turn"},
			Usage: &DeltaUsage{OutputTokens: s.state.UsageOrZero().OutputTokens},
		}),
	)
	return frames
}

func (s *streamAdapter) RawToolCallEvents() [][]byte { return s.toolEvents }

func (s *streamAdapter) FormatEndSSE() []byte {
	return frame("message_stop", map[string]string{"type": "message_stop"})
}

func (s *streamAdapter) State() *adapter.StreamState {
	for i, b := range s.toolArgs {
		s.state.ToolCalls[i].Arguments = b.String()
	}
	return &s.state
}

func (s *streamAdapter) ToProviderResponse() ([]byte, error) {
	st := s.State()
	resp := MessagesResponse{
		ID:         s.responseID(),
		Type:       "message",
		Role:       "assistant",
		Model:      st.Model,
		StopReason: st.StopReason,
		Content:    []ResponseContent{},
	}
	if text := st.Text(); text != "" {
		resp.Content = append(resp.Content, ResponseContent{Type: "text", Text: text})
	}
	for _, tc := range st.ToolCalls {
		args, _ := tc.Arguments.(string)
		input := json.RawMessage("{}")
		if args != "" && json.Valid([]byte(args)) {
			input = json.RawMessage(args)
		}
		resp.Content = append(resp.Content, ResponseContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
	}
	if st.Usage != nil {
		resp.Usage = MessagesUsage{InputTokens: st.Usage.InputTokens, OutputTokens: st.Usage.OutputTokens}
	}
	return json.Marshal(resp)
}

func (s *streamAdapter) responseID() string {
	if s.state.ResponseID == "" {
		s.state.ResponseID = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return s.state.ResponseID
}

// ensureStarted returns a synthetic message_start the first time output is
// produced before upstream's own message_start.
func (s *streamAdapter) ensureStarted() []byte {
	if s.started {
		return nil
	}
	s.started = true
	return frame("message_start", MessageStartEvent{
		Type: "message_start",
		Message: MessagesResponse{
			ID: s.responseID(), Type: "message", Role: "assistant",
			Model: s.state.Model, Content: []ResponseContent{},
		},
	})
}

// closeProgress ends the synthetic progress block, if open, and shifts
// later upstream blocks past it.
func (s *streamAdapter) closeProgress() []byte {
	if !s.progressOpen {
		return nil
	}
	s.progressOpen = false
	s.indexOffset = s.nextIndex
	return frame("content_block_stop", ContentBlockStopEvent{Type: "content_block_stop", Index: s.progressIndex})
}

func frame(event string, v any) []byte {
	b, _ := json.Marshal(v)
	return adapter.FormatSSE(event, b)
}
