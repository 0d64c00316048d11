package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// fakeStream forwards "text:" chunks, buffers "tool:" chunks and ends on
// "end". "fail" returns an upstream error.
type fakeStream struct {
	state      adapter.StreamState
	toolFrames [][]byte
}

func (f *fakeStream) ProcessChunk(c adapter.Chunk) (adapter.ChunkResult, error) {
	data := string(c.Data)
	switch {
	case data == "end":
		return adapter.ChunkResult{IsFinal: true}, nil
	case data == "fail":
		return adapter.ChunkResult{}, domain.ErrOverloaded("upstream overloaded")
	case strings.HasPrefix(data, "tool:"):
		name := strings.TrimPrefix(data, "tool:")
		f.state.ToolCalls = append(f.state.ToolCalls, domain.ToolCall{Name: name, Arguments: "{}"})
		f.toolFrames = append(f.toolFrames, adapter.FormatSSE("", []byte("call "+name)))
		return adapter.ChunkResult{}, nil
	default:
		text := strings.TrimPrefix(data, "text:")
		f.state.AppendText(text)
		return adapter.ChunkResult{SSEData: adapter.FormatSSE("", []byte(text))}, nil
	}
}

func (f *fakeStream) SSEHeaders() http.Header { return adapter.DefaultSSEHeaders() }
func (f *fakeStream) FormatTextDeltaSSE(text string) []byte {
	return adapter.FormatSSE("", []byte("delta "+text))
}
func (f *fakeStream) FormatCompleteTextSSE(text string) [][]byte {
	return [][]byte{adapter.FormatSSE("", []byte("complete "+text))}
}
func (f *fakeStream) RawToolCallEvents() [][]byte          { return f.toolFrames }
func (f *fakeStream) FormatEndSSE() []byte                 { return adapter.FormatSSE("", []byte("[DONE]")) }
func (f *fakeStream) State() *adapter.StreamState          { return &f.state }
func (f *fakeStream) ToProviderResponse() ([]byte, error) { return nil, nil }

func feed(items ...adapter.StreamChunk) <-chan adapter.StreamChunk {
	ch := make(chan adapter.StreamChunk, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func chunk(data string) adapter.StreamChunk {
	return adapter.StreamChunk{Chunk: adapter.Chunk{Data: []byte(data)}}
}

func TestWriter_LazyHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, adapter.DefaultSSEHeaders())

	if err := w.Write(nil); err != nil {
		t.Fatalf("Write(nil) error = %v", err)
	}
	if w.Committed() {
		t.Fatal("empty write committed headers")
	}

	if err := w.Write([]byte("data: x\n\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !w.Committed() {
		t.Fatal("expected headers to be committed")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if !rec.Flushed {
		t.Error("expected frame to be flushed")
	}
}

func TestErrorFrame(t *testing.T) {
	got := string(ErrorFrame(`bad "thing"`))
	want := "event: error\ndata: {\"type\":\"api_error\",\"message\":\"bad \\\"thing\\\"\"}\n\n"
	if got != want {
		t.Errorf("ErrorFrame() = %q, want %q", got, want)
	}
}

func TestRun_PassThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, nil)
	sa := &fakeStream{}

	res := Run(context.Background(), w, sa, feed(chunk("text:hel"), chunk("text:lo"), chunk("end")), nil)
	if res.Status != domain.InteractionSuccess || res.Err != nil {
		t.Fatalf("Run() = %+v", res)
	}
	if sa.State().Text() != "hello" {
		t.Errorf("state text = %q", sa.State().Text())
	}
	want := "data: hel\n\ndata: lo\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestRun_ToolCallsAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, nil)

	var gated []domain.ToolCall
	gate := func(_ context.Context, calls []domain.ToolCall) (string, bool) {
		gated = calls
		return "", false
	}

	res := Run(context.Background(), w, &fakeStream{}, feed(chunk("text:hi"), chunk("tool:read"), chunk("end")), gate)
	if res.Status != domain.InteractionSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if len(gated) != 1 || gated[0].Name != "read" {
		t.Errorf("gate saw %+v", gated)
	}
	want := "data: hi\n\ndata: call read\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestRun_ToolCallsBlocked(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, nil)
	gate := func(context.Context, []domain.ToolCall) (string, bool) { return "no shell", true }

	res := Run(context.Background(), w, &fakeStream{}, feed(chunk("tool:shell"), chunk("end")), gate)
	if res.Status != domain.InteractionRefused {
		t.Fatalf("status = %s", res.Status)
	}
	body := rec.Body.String()
	if strings.Contains(body, "call shell") {
		t.Errorf("blocked tool call leaked: %q", body)
	}
	if body != "data: complete no shell\n\ndata: [DONE]\n\n" {
		t.Errorf("body = %q", body)
	}
}

func TestRun_ErrorBeforeOutput(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, nil)

	res := Run(context.Background(), w, &fakeStream{}, feed(chunk("fail")), nil)
	if res.Status != domain.InteractionError {
		t.Errorf("status = %s", res.Status)
	}
	apiErr, ok := domain.AsAPIError(res.Err)
	if !ok || apiErr.HTTPStatusCode() != http.StatusServiceUnavailable {
		t.Fatalf("err = %v", res.Err)
	}
	if w.Committed() || rec.Body.Len() != 0 {
		t.Errorf("nothing should be written, got %q", rec.Body.String())
	}
}

func TestRun_ErrorAfterOutput(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, nil)

	upstreamErr := errors.New("connection reset")
	res := Run(context.Background(), w, &fakeStream{},
		feed(chunk("text:partial"), adapter.StreamChunk{Err: upstreamErr}), nil)
	if res.Status != domain.InteractionAborted || !errors.Is(res.Err, upstreamErr) {
		t.Fatalf("Run() = %+v", res)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasSuffix(body, "event: error\ndata: {\"type\":\"api_error\",\"message\":\"connection reset\"}\n\n") {
		t.Errorf("body = %q", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Error("end frame written after error")
	}
}

func TestRun_TruncatedUpstream(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, nil)

	res := Run(context.Background(), w, &fakeStream{}, feed(), nil)
	apiErr, ok := domain.AsAPIError(res.Err)
	if !ok || apiErr.HTTPStatusCode() != http.StatusBadGateway {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, NewWriter(httptest.NewRecorder(), nil), &fakeStream{}, make(chan adapter.StreamChunk), nil)
	if res.Status != domain.InteractionAborted || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Run() = %+v", res)
	}
}
