// Package codec writes canonical domain errors in each provider's wire shape.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// wireNames is how one domain error type is spelled by each provider.
type wireNames struct {
	openai    string
	anthropic string
	gemini    string
}

var (
	invalidNames = wireNames{"invalid_request_error", "invalid_request_error", "INVALID_ARGUMENT"}
	serverNames  = wireNames{"server_error", "api_error", "INTERNAL"}
)

var namesByType = map[domain.ErrorType]wireNames{
	domain.ErrorTypeInvalidRequest: invalidNames,
	domain.ErrorTypeContextLength:  invalidNames,
	domain.ErrorTypeMaxTokens:      invalidNames,
	domain.ErrorTypeAuthentication: {"authentication_error", "authentication_error", "UNAUTHENTICATED"},
	domain.ErrorTypePermission:     {"permission_denied", "permission_error", "PERMISSION_DENIED"},
	domain.ErrorTypeNotFound:       {"not_found", "not_found_error", "NOT_FOUND"},
	domain.ErrorTypeRateLimit:      {"rate_limit_error", "rate_limit_error", "RESOURCE_EXHAUSTED"},
	domain.ErrorTypeOverloaded:     {"service_unavailable", "overloaded_error", "UNAVAILABLE"},
	domain.ErrorTypeServer:         serverNames,
}

func namesFor(t domain.ErrorType) wireNames {
	if n, ok := namesByType[t]; ok {
		return n
	}
	return serverNames
}

// ToCanonicalError returns the *domain.APIError wrapped by err, or a server
// error carrying err's message.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrServer(err.Error())
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param,omitempty"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// openAICode folds the truncation code into the one OpenAI clients know.
func openAICode(c domain.ErrorCode) string {
	if c == domain.ErrorCodeOutputTruncated {
		return string(domain.ErrorCodeMaxTokensExceeded)
	}
	return string(c)
}

// Encode renders err for apiType and returns the status and body. Unknown
// API types get the OpenAI shape.
func Encode(err error, apiType domain.APIType) (int, []byte) {
	apiErr := ToCanonicalError(err)
	status := apiErr.HTTPStatusCode()
	names := namesFor(apiErr.Type)

	var payload any
	switch apiType {
	case domain.APITypeAnthropic:
		var e anthropicError
		e.Type = "error"
		e.Error.Type = names.anthropic
		e.Error.Message = apiErr.Message
		payload = e
	case domain.APITypeGemini:
		var e geminiError
		e.Error.Code = status
		e.Error.Message = apiErr.Message
		e.Error.Status = names.gemini
		payload = e
	default:
		var e openAIError
		e.Error.Message = apiErr.Message
		e.Error.Type = names.openai
		e.Error.Param = apiErr.Param
		e.Error.Code = openAICode(apiErr.Code)
		payload = e
	}
	body, _ := json.Marshal(payload)
	return status, body
}

// WriteError writes err as a JSON error response in apiType's shape.
func WriteError(w http.ResponseWriter, err error, apiType domain.APIType) {
	status, body := Encode(err, apiType)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
