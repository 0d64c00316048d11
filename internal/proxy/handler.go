// Package proxy is the request pipeline: it resolves the provider and agent,
// authenticates, enforces limits, optimizes and classifies the request,
// executes it upstream, gates tool calls and records the interaction.
package proxy

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/auth"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/cost"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/limits"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/toolpolicy"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/trust"
)

// Request headers understood by the proxy.
const (
	HeaderExecutionID     = "X-Agent-Execution-Id"
	HeaderExternalAgentID = "X-External-Agent-Id"
	// HeaderUpstreamBaseURL overrides the upstream base URL. Only loopback
	// callers may send it.
	HeaderUpstreamBaseURL = "X-Upstream-Base-Url"
)

// passthroughHeaders are forwarded upstream verbatim.
var passthroughHeaders = []string{"anthropic-beta", "anthropic-version", "User-Agent"}

// Settings are the reloadable knobs of the pipeline.
type Settings struct {
	Compression bool
	Posture     toolpolicy.Posture
	Trust       trust.Evaluator
	Prices      *cost.PriceBook
}

// Handler serves proxied calls.
type Handler struct {
	providers   *adapter.Registry
	store       storage.Store
	limits      *limits.Validator
	policies    *toolpolicy.Evaluator
	optimizer   *cost.Optimizer
	virtualKeys *auth.VirtualKeyResolver
	federated   *auth.FederatedAuthenticator
	metrics     *metrics.Metrics
	logger      *slog.Logger

	settings atomic.Pointer[Settings]
}

// Option configures a Handler.
type Option func(*Handler)

// WithVirtualKeys enables virtual key resolution.
func WithVirtualKeys(r *auth.VirtualKeyResolver) Option {
	return func(h *Handler) { h.virtualKeys = r }
}

// WithFederatedAuth enables bearer token validation for agents that declare
// an identity provider.
func WithFederatedAuth(a *auth.FederatedAuthenticator) Option {
	return func(h *Handler) { h.federated = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithSettings sets the initial settings.
func WithSettings(s Settings) Option {
	return func(h *Handler) { h.UpdateSettings(s) }
}

// New creates a Handler over the given providers and store.
func New(providers *adapter.Registry, store storage.Store, opts ...Option) *Handler {
	h := &Handler{
		providers: providers,
		store:     store,
		logger:    slog.Default(),
	}
	h.UpdateSettings(Settings{})
	for _, opt := range opts {
		opt(h)
	}
	h.limits = limits.NewValidator(store, h.logger)
	h.policies = toolpolicy.NewEvaluator(store, h.logger)
	h.optimizer = cost.NewOptimizer(store)
	if h.federated == nil {
		h.federated = auth.NewFederatedAuthenticator(auth.NewDiscoverer(0, 0))
	}
	return h
}

// UpdateSettings swaps the settings used by subsequent calls. Zero fields
// fall back to defaults.
func (h *Handler) UpdateSettings(s Settings) {
	if s.Posture == "" {
		s.Posture = toolpolicy.PostureRestrictive
	}
	if s.Trust == nil {
		s.Trust = trust.NewStaticEvaluator(nil)
	}
	if s.Prices == nil {
		s.Prices = cost.NewPriceBook(nil)
	}
	h.settings.Store(&s)
}

func (h *Handler) currentSettings() Settings {
	return *h.settings.Load()
}

// Routes mounts the proxy endpoints under prefix.
func (h *Handler) Routes(r chi.Router, prefix string) {
	r.Route(prefix+"/{provider}", func(r chi.Router) {
		r.Post("/chat/completions", h.ServeHTTP)
		r.Post("/messages", h.ServeHTTP)
		r.Post("/models/{modelAction}", h.ServeHTTP)
		r.Post("/v1beta/models/{modelAction}", h.ServeHTTP)

		r.Route("/{agentId}", func(r chi.Router) {
			r.Post("/chat/completions", h.ServeHTTP)
			r.Post("/messages", h.ServeHTTP)
			r.Post("/models/{modelAction}", h.ServeHTTP)
			r.Post("/v1beta/models/{modelAction}", h.ServeHTTP)
		})
	})
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
