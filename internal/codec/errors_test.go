package codec

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

func TestToCanonicalError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedType domain.ErrorType
		expectedMsg  string
	}{
		{
			name:         "domain APIError passes through",
			err:          domain.ErrInvalidRequest("bad request"),
			expectedType: domain.ErrorTypeInvalidRequest,
			expectedMsg:  "bad request",
		},
		{
			name:         "regular error becomes server error",
			err:          errors.New("something went wrong"),
			expectedType: domain.ErrorTypeServer,
			expectedMsg:  "something went wrong",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToCanonicalError(tt.err)
			if result.Type != tt.expectedType {
				t.Errorf("Type = %v, want %v", result.Type, tt.expectedType)
			}
			if result.Message != tt.expectedMsg {
				t.Errorf("Message = %v, want %v", result.Message, tt.expectedMsg)
			}
		})
	}
}

func TestWriteError_OpenAIShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrUsageLimit("limit reached"), domain.APITypeOpenAI)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Type != "rate_limit_error" {
		t.Errorf("type = %q, want rate_limit_error", body.Error.Type)
	}
	if body.Error.Code != "usage_limit_exceeded" {
		t.Errorf("code = %q, want usage_limit_exceeded", body.Error.Code)
	}
	if body.Error.Message != "limit reached" {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestWriteError_AnthropicShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrAuthentication("missing API key"), domain.APITypeAnthropic)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var body struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Type != "error" || body.Error.Type != "authentication_error" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteError_GeminiShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrUpstream(http.StatusBadRequest, "bad contents"), domain.APITypeGemini)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Code != 400 || body.Error.Status != "INVALID_ARGUMENT" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteError_UpstreamStatusForwarded(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrUpstream(http.StatusBadGateway, "upstream down"), domain.APITypeOpenAI)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestEncode_NameTable(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		apiType domain.APIType
		want    string
	}{
		{"context length is invalid for openai", domain.NewAPIError(domain.ErrorTypeContextLength, "too long"), domain.APITypeOpenAI, `"type":"invalid_request_error"`},
		{"truncation folds to max tokens code", domain.NewAPIError(domain.ErrorTypeMaxTokens, "cut").WithCode(domain.ErrorCodeOutputTruncated), domain.APITypeOpenAI, `"code":"max_tokens_exceeded"`},
		{"param is kept for openai", domain.ErrInvalidRequest("bad").WithParam("model"), domain.APITypeOpenAI, `"param":"model"`},
		{"overloaded for anthropic", domain.ErrOverloaded("busy"), domain.APITypeAnthropic, `"type":"overloaded_error"`},
		{"unknown type is internal for gemini", domain.NewAPIError("mystery", "?"), domain.APITypeGemini, `"status":"INTERNAL"`},
		{"plain error is a server error", errors.New("boom"), domain.APITypeAnthropic, `"type":"api_error"`},
		{"unknown dialect gets openai shape", domain.ErrNotFound("no such model"), domain.APIType("cohere"), `"type":"not_found"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := Encode(tt.err, tt.apiType)
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("body = %s, want it to contain %s", body, tt.want)
			}
		})
	}
}
