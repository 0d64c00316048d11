// Package domain holds the provider-neutral types shared by the proxy:
// errors, normalized messages and tool calls, agents, policies and
// interaction records.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypePermission     ErrorType = "permission"
	ErrorTypeNotFound       ErrorType = "not_found"
	// ErrorTypeRateLimit covers both upstream throttling and local usage
	// limits. The code tells them apart.
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeOverloaded ErrorType = "overloaded"
	ErrorTypeServer     ErrorType = "server"
	// Context length and max token errors are reported by upstreams and
	// surface to clients as invalid requests.
	ErrorTypeContextLength ErrorType = "context_length"
	ErrorTypeMaxTokens     ErrorType = "max_tokens"
)

// ErrorCode narrows an ErrorType. Codes are forwarded to OpenAI clients.
type ErrorCode string

const (
	ErrorCodeContextLengthExceeded ErrorCode = "context_length_exceeded"
	ErrorCodeRateLimitExceeded     ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey         ErrorCode = "invalid_api_key"
	ErrorCodeModelNotFound         ErrorCode = "model_not_found"
	ErrorCodeMaxTokensExceeded     ErrorCode = "max_tokens_exceeded"
	ErrorCodeOutputTruncated       ErrorCode = "output_truncated"
	ErrorCodeUsageLimitExceeded    ErrorCode = "usage_limit_exceeded"
	ErrorCodeMissingAPIKey         ErrorCode = "missing_api_key"
	ErrorCodeUpstreamError         ErrorCode = "upstream_error"
)

// APIType identifies a provider wire dialect. It selects the error shape
// written back to the client.
type APIType string

const (
	APITypeOpenAI    APIType = "openai"
	APITypeAnthropic APIType = "anthropic"
	APITypeGemini    APIType = "gemini"
)

// APIError is the one error shape the proxy produces. Adapters parse
// upstream errors into it and the edge writes it in the caller's dialect.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`

	// StatusCode overrides the status implied by Type. Upstream errors
	// carry the upstream status here.
	StatusCode int `json:"-"`

	// SourceAPI records which provider produced the error.
	SourceAPI APIType `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

var statusByType = map[ErrorType]int{
	ErrorTypeInvalidRequest: http.StatusBadRequest,
	ErrorTypeContextLength:  http.StatusBadRequest,
	ErrorTypeMaxTokens:      http.StatusBadRequest,
	ErrorTypeAuthentication: http.StatusUnauthorized,
	ErrorTypePermission:     http.StatusForbidden,
	ErrorTypeNotFound:       http.StatusNotFound,
	ErrorTypeRateLimit:      http.StatusTooManyRequests,
	ErrorTypeOverloaded:     http.StatusServiceUnavailable,
}

// HTTPStatusCode returns StatusCode when set, otherwise the status for
// Type. Unknown types are 500.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	if status, ok := statusByType[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

func ErrPermission(message string) *APIError {
	return NewAPIError(ErrorTypePermission, message)
}

func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrRateLimit is a 429 raised by the proxy's own virtual key limiter.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).WithCode(ErrorCodeRateLimitExceeded)
}

func ErrOverloaded(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message)
}

func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrUsageLimit is a 429 for an exhausted token or cost limit.
func ErrUsageLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeUsageLimitExceeded).
		WithStatusCode(http.StatusTooManyRequests)
}

// ErrUpstream keeps an upstream status verbatim and picks the closest type
// for it, so clients of a different dialect still get a sensible error.
func ErrUpstream(status int, message string) *APIError {
	return NewAPIError(typeForStatus(status), message).
		WithCode(ErrorCodeUpstreamError).
		WithStatusCode(status)
}

func typeForStatus(status int) ErrorType {
	switch status {
	case http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case http.StatusForbidden:
		return ErrorTypePermission
	case http.StatusNotFound:
		return ErrorTypeNotFound
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case http.StatusServiceUnavailable, 529:
		return ErrorTypeOverloaded
	}
	if status >= 400 && status < 500 {
		return ErrorTypeInvalidRequest
	}
	return ErrorTypeServer
}

// AsAPIError reports whether err wraps an *APIError and returns it.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
