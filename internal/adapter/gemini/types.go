// Package gemini adapts the Gemini generateContent API dialect. Wire
// payloads are decoded with the google.golang.org/genai types; request
// bodies are otherwise passed through untouched.
package gemini

import (
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// Gemini finish reasons written by the proxy itself.
const (
	finishStop = string(genai.FinishReasonStop)
)

// syntheticCallID names a function call or response that carries no id.
// Calls and responses are numbered by their position in the request or
// response, so the pairs line up when the client echoes the history back.
func syntheticCallID(name string, index int) string {
	return fmt.Sprintf("%s_%d", name, index)
}

func usageFromMetadata(m *genai.GenerateContentResponseUsageMetadata) domain.Usage {
	if m == nil {
		return domain.Usage{}
	}
	return domain.Usage{
		InputTokens:  int(m.PromptTokenCount),
		OutputTokens: int(m.CandidatesTokenCount) + int(m.ThoughtsTokenCount),
	}
}

// ErrorResponse is the Google API error envelope.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return e.Status + ": " + e.Message
}

// ToCanonical converts the Gemini error to a canonical domain error.
func (e *APIError) ToCanonical() *domain.APIError {
	var errType domain.ErrorType
	switch e.Status {
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		errType = domain.ErrorTypeInvalidRequest
	case "UNAUTHENTICATED":
		errType = domain.ErrorTypeAuthentication
	case "PERMISSION_DENIED":
		errType = domain.ErrorTypePermission
	case "NOT_FOUND":
		errType = domain.ErrorTypeNotFound
	case "RESOURCE_EXHAUSTED":
		errType = domain.ErrorTypeRateLimit
	case "UNAVAILABLE":
		errType = domain.ErrorTypeOverloaded
	default:
		errType = domain.ErrorTypeServer
	}
	return &domain.APIError{Type: errType, Message: e.Message, SourceAPI: domain.APITypeGemini}
}

// ParseErrorResponse extracts a canonical error from an error body, or
// returns nil when the body is not a Google API error. Some Gemini
// endpoints wrap the envelope in a one-element array.
func ParseErrorResponse(data []byte) *domain.APIError {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		var list []ErrorResponse
		if json.Unmarshal(data, &list) != nil || len(list) == 0 {
			return nil
		}
		errResp = list[0]
	}
	if errResp.Error == nil {
		return nil
	}
	return errResp.Error.ToCanonical()
}
