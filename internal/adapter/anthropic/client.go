package anthropic

import (
	"context"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/tokens"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	// APIVersion is sent as anthropic-version unless the caller supplies one.
	APIVersion = "2023-06-01"
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithName sets the provider name used in routes. It defaults to "anthropic".
func WithName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

// WithTokenCounter sets the counter used to measure compression.
func WithTokenCounter(counter tokens.Counter) Option {
	return func(c *Client) {
		c.counter = counter
	}
}

// Client is the Anthropic Messages provider adapter.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	counter    tokens.Counter
}

var _ adapter.Adapter = (*Client)(nil)

// New creates an Anthropic Messages adapter.
func New(opts ...Option) *Client {
	c := &Client{
		name:       string(domain.ProviderAnthropic),
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.counter == nil {
		c.counter = tokens.NewRegistry()
	}
	return c
}

func (c *Client) Provider() domain.Provider { return domain.ProviderAnthropic }
func (c *Client) Name() string              { return c.name }
func (c *Client) BaseURL() string           { return c.baseURL }

func (c *Client) NewRequestAdapter(body []byte, hints adapter.RequestHints) (adapter.RequestAdapter, error) {
	return newRequestAdapter(body, hints, c.counter)
}

func (c *Client) NewResponseAdapter(body []byte) (adapter.ResponseAdapter, error) {
	return newResponseAdapter(body)
}

func (c *Client) NewStreamAdapter(adapter.RequestAdapter) adapter.StreamAdapter {
	return newStreamAdapter()
}

// Execute sends a non-streaming Messages request.
func (c *Client) Execute(ctx context.Context, req adapter.RequestAdapter, t adapter.Target) (adapter.ResponseAdapter, error) {
	resp, err := c.send(ctx, req, t)
	if err != nil {
		return nil, err
	}
	body, err := adapter.ReadResponse(resp, ParseErrorResponse)
	if err != nil {
		return nil, err
	}
	return newResponseAdapter(body)
}

// ExecuteStream sends a streaming Messages request.
func (c *Client) ExecuteStream(ctx context.Context, req adapter.RequestAdapter, t adapter.Target) (<-chan adapter.StreamChunk, error) {
	resp, err := c.send(ctx, req, t)
	if err != nil {
		return nil, err
	}
	return adapter.Stream(ctx, resp, ParseErrorResponse)
}

func (c *Client) send(ctx context.Context, req adapter.RequestAdapter, t adapter.Target) (*http.Response, error) {
	body, err := req.ToProviderRequest()
	if err != nil {
		return nil, domain.ErrInvalidRequest("failed to encode request: " + err.Error())
	}
	auth := http.Header{}
	if t.APIKey != "" {
		auth.Set("x-api-key", t.APIKey)
	}
	if t.Header.Get("anthropic-version") == "" {
		auth.Set("anthropic-version", APIVersion)
	}
	url := adapter.ResolveBaseURL(t.BaseURL, c.baseURL) + "/v1/messages"
	return adapter.Post(ctx, c.httpClient, url, body, t.Header, auth)
}

// ExtractAPIKey reads the caller's key from x-api-key, falling back to a
// bearer token.
func (c *Client) ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return adapter.BearerToken(r.Header)
}

func (c *Client) ExtractErrorMessage(err error) string {
	return adapter.ErrorMessage(err)
}
