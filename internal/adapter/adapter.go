// Package adapter defines the provider adapter contract: the translation
// between one provider's wire format and the proxy's normalized view of a
// request, a response and a stream.
//
// Each provider package (openai, anthropic, gemini) implements Adapter. The
// proxy resolves one Adapter per request by provider name and works only
// through these interfaces.
package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/compress"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// RequestHints carries request properties that some providers encode in the
// URL rather than the body.
type RequestHints struct {
	Model  string
	Stream bool
}

// RequestAdapter is the normalized view of one inbound request. Mutations go
// through SetModel and ApplyToolResultUpdates only; everything else in the
// original body passes through untouched.
type RequestAdapter interface {
	Model() string
	SetModel(model string)
	Messages() []domain.Message
	ProviderMessages() json.RawMessage
	Tools() []domain.ToolDefinition
	HasTools() bool
	IsStreaming() bool

	ToolResults() []domain.ToolResult
	ApplyToolResultUpdates(updates map[string]string)
	ApplyTOONCompression(model string) compress.Stats

	ToProviderRequest() ([]byte, error)
	OriginalRequest() []byte
}

// ResponseAdapter is the normalized view of one non-streaming response.
type ResponseAdapter interface {
	Usage() domain.Usage
	Model() string
	ID() string
	FinishReasons() []string
	ToolCalls() []domain.ToolCall
	Text() string
	// ToRefusalResponse rewrites the response so it carries contentText
	// instead of tool calls. refusalText is the bare refusal, for providers
	// with a dedicated refusal field.
	ToRefusalResponse(refusalText, contentText string) ([]byte, error)
	OriginalResponse() []byte
}

// Chunk is one server-sent event read from upstream.
type Chunk struct {
	Event string
	Data  []byte
}

// StreamChunk is an item on an upstream stream channel: a chunk or the error
// that ended the stream.
type StreamChunk struct {
	Chunk Chunk
	Err   error
}

// ChunkResult is the outcome of translating one chunk. SSEData is nil when
// the chunk was buffered or dropped.
type ChunkResult struct {
	SSEData []byte
	IsFinal bool
}

// StreamAdapter translates one upstream stream into client frames and
// accumulates its StreamState. It is not safe for concurrent use.
type StreamAdapter interface {
	ProcessChunk(c Chunk) (ChunkResult, error)
	SSEHeaders() http.Header
	FormatTextDeltaSSE(text string) []byte
	FormatCompleteTextSSE(text string) [][]byte
	RawToolCallEvents() [][]byte
	FormatEndSSE() []byte
	State() *StreamState
	ToProviderResponse() ([]byte, error)
}

// Target is where and how to call upstream for one request.
type Target struct {
	APIKey  string
	BaseURL string
	// Header holds pass-through headers such as anthropic-beta and
	// User-Agent.
	Header http.Header
}

// Adapter is one provider dialect.
type Adapter interface {
	Provider() domain.Provider
	// Name is the configured provider name used in routes.
	Name() string

	NewRequestAdapter(body []byte, hints RequestHints) (RequestAdapter, error)
	NewResponseAdapter(body []byte) (ResponseAdapter, error)
	// NewStreamAdapter translates the stream answering req. req may be nil
	// when the caller's request options are unknown.
	NewStreamAdapter(req RequestAdapter) StreamAdapter

	// Execute and ExecuteStream return a *domain.APIError carrying the
	// upstream status when upstream answers with a non-2xx status.
	// ExecuteStream fails before returning the channel in that case, so no
	// client output has been produced yet.
	Execute(ctx context.Context, req RequestAdapter, t Target) (ResponseAdapter, error)
	ExecuteStream(ctx context.Context, req RequestAdapter, t Target) (<-chan StreamChunk, error)

	ExtractAPIKey(r *http.Request) string
	BaseURL() string
	ExtractErrorMessage(err error) string
}

// StreamState accumulates what a stream has produced so far. The stream
// adapter owns it until the stream ends; afterwards it is read-only.
type StreamState struct {
	Model      string
	ResponseID string
	// Usage is nil until upstream reports any usage.
	Usage      *domain.Usage
	StopReason string
	ToolCalls  []domain.ToolCall

	text strings.Builder
}

// AppendText records streamed assistant text.
func (s *StreamState) AppendText(t string) {
	s.text.WriteString(t)
}

// Text returns all assistant text streamed so far.
func (s *StreamState) Text() string {
	return s.text.String()
}

// UsageOrZero returns the observed usage, or zero usage when none was seen.
func (s *StreamState) UsageOrZero() domain.Usage {
	if s.Usage == nil {
		return domain.Usage{}
	}
	return *s.Usage
}

// EnsureUsage returns the usage accumulator, creating it on first use.
func (s *StreamState) EnsureUsage() *domain.Usage {
	if s.Usage == nil {
		s.Usage = &domain.Usage{}
	}
	return s.Usage
}

// ErrorMessage extracts a client-safe message from an execution error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if apiErr, ok := domain.AsAPIError(err); ok {
		return apiErr.Message
	}
	return err.Error()
}
