package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// DefaultUserAgent is sent upstream when the caller did not send one.
const DefaultUserAgent = "polyglot-llm-proxy/1.0"

// maxErrorBody bounds how much of an upstream error body is read.
const maxErrorBody = 1 << 20

// ErrorParser converts an upstream error body into a typed error. It returns
// nil when the body is not in the provider's error shape.
type ErrorParser func(body []byte) *domain.APIError

// Post sends a JSON body upstream. Pass-through headers are applied first so
// the auth headers set by the caller win. Transport failures are returned as
// a 502 upstream error.
func Post(ctx context.Context, client *http.Client, url string, body []byte, passthrough, auth http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vs := range passthrough {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range auth {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ErrUpstream(http.StatusBadGateway, "upstream request failed: "+err.Error())
	}
	return resp, nil
}

// CheckStatus returns nil for a 2xx response. Otherwise it drains and closes
// the body and returns a typed error carrying the upstream status.
func CheckStatus(resp *http.Response, parse ErrorParser) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if parse != nil {
		if apiErr := parse(body); apiErr != nil {
			return apiErr.WithStatusCode(resp.StatusCode)
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return domain.ErrUpstream(resp.StatusCode, fmt.Sprintf("upstream error (status %d): %s", resp.StatusCode, msg))
}

// ReadResponse checks the status and reads a successful body.
func ReadResponse(resp *http.Response, parse ErrorParser) ([]byte, error) {
	if err := CheckStatus(resp, parse); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// Stream checks the status and starts reading server-sent events from a
// successful response.
func Stream(ctx context.Context, resp *http.Response, parse ErrorParser) (<-chan StreamChunk, error) {
	if err := CheckStatus(resp, parse); err != nil {
		return nil, err
	}
	out := make(chan StreamChunk)
	go ReadSSE(ctx, resp.Body, out)
	return out, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// ResolveBaseURL picks the first non-empty base URL and trims its trailing
// slash.
func ResolveBaseURL(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return strings.TrimSuffix(c, "/")
		}
	}
	return ""
}
