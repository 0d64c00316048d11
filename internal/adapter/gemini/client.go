package gemini

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/tokens"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	apiVersion     = "v1beta"
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

// WithName sets the provider name used in routes. It defaults to "gemini".
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

// Client is the Gemini generateContent provider adapter.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	counter    tokens.Counter
}

var _ adapter.Adapter = (*Client)(nil)

// New creates a Gemini adapter.
func New(opts ...Option) *Client {
	c := &Client{
		name:       string(domain.ProviderGemini),
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

func (c *Client) Provider() domain.Provider { return domain.ProviderGemini }
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

// Execute sends a generateContent request.
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

// ExecuteStream sends a streamGenerateContent request.
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
		auth.Set("x-goog-api-key", t.APIKey)
	}
	return adapter.Post(ctx, c.httpClient, c.endpoint(t.BaseURL, req.Model(), req.IsStreaming()), body, t.Header, auth)
}

func (c *Client) endpoint(baseURL, model string, stream bool) string {
	model = strings.TrimPrefix(model, "models/")
	u := adapter.ResolveBaseURL(baseURL, c.baseURL) + "/" + apiVersion + "/models/" + url.PathEscape(model)
	if stream {
		return u + ":streamGenerateContent?alt=sse"
	}
	return u + ":generateContent"
}

// ExtractAPIKey reads the caller's key from x-goog-api-key, the key query
// parameter, or a bearer token, in that order.
func (c *Client) ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("key"); key != "" {
		return key
	}
	return adapter.BearerToken(r.Header)
}

func (c *Client) ExtractErrorMessage(err error) string {
	return adapter.ErrorMessage(err)
}
