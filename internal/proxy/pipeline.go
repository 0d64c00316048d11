package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/auth"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/codec"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/compress"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/cost"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/server"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/stream"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/trust"
)

const maxRequestBody = 32 << 20

// call is the state of one request as it moves through the pipeline.
type call struct {
	id       string
	start    time.Time
	settings Settings

	entry   adapter.Entry
	ad      adapter.Adapter
	apiType domain.APIType
	req     adapter.RequestAdapter
	agent   *domain.Agent
	target  adapter.Target

	executionID     string
	externalAgentID string
	baselineModel   string
	trusted         bool
	compression     compress.Stats

	// streaming calls only
	sa     adapter.StreamAdapter
	writer *stream.Writer
	span   trace.Span

	// outcome
	status      domain.InteractionStatus
	model       string
	responseID  string
	finish      []string
	usage       domain.Usage
	response    []byte
	blockedTool string
	err         error
}

// ServeHTTP runs one call through the pipeline. Errors from every step end
// in fail, the only place error responses are written.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := &call{
		id:              uuid.New().String(),
		start:           time.Now(),
		settings:        h.currentSettings(),
		apiType:         domain.APITypeOpenAI,
		executionID:     r.Header.Get(HeaderExecutionID),
		externalAgentID: r.Header.Get(HeaderExternalAgentID),
	}

	if err := h.resolve(r, c); err != nil {
		h.fail(w, r, c, err)
		return
	}
	if err := h.authenticate(r, c); err != nil {
		h.fail(w, r, c, err)
		return
	}
	if err := h.checkLimits(ctx, c); err != nil {
		h.fail(w, r, c, err)
		return
	}

	// From here on the call is attempted and always recorded.
	defer h.persist(ctx, c)

	h.persistTools(ctx, c)
	h.optimize(ctx, c)

	if c.req.IsStreaming() {
		c.sa = c.ad.NewStreamAdapter(c.req)
		c.writer = stream.NewWriter(w, c.sa.SSEHeaders())
	}

	h.evaluateTrust(ctx, c)
	h.compress(c)

	if c.req.IsStreaming() {
		h.executeStream(w, r, c)
		return
	}
	h.execute(w, r, c)
}

// resolve picks the adapter, parses the body and finds the agent.
func (h *Handler) resolve(r *http.Request, c *call) error {
	name := chi.URLParam(r, "provider")
	entry, ok := h.providers.Lookup(name)
	if !ok {
		return domain.ErrNotFound(fmt.Sprintf("unknown provider %q", name))
	}
	c.entry = entry
	c.ad = entry.Adapter
	c.apiType = c.ad.Provider().APIType()
	server.AddLogField(r.Context(), "provider", name)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return domain.ErrInvalidRequest("failed to read request body")
	}

	hints := adapter.RequestHints{}
	if action := chi.URLParam(r, "modelAction"); action != "" {
		model, method, _ := strings.Cut(action, ":")
		hints.Model = model
		hints.Stream = method == "streamGenerateContent"
	}
	req, err := c.ad.NewRequestAdapter(body, hints)
	if err != nil {
		return domain.ErrInvalidRequest(err.Error())
	}
	c.req = req
	c.baselineModel = req.Model()
	server.AddLogField(r.Context(), "model", c.baselineModel)
	server.AddLogField(r.Context(), "stream", fmt.Sprint(req.IsStreaming()))

	agent, err := h.resolveAgent(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		return err
	}
	c.agent = agent
	server.AddLogField(r.Context(), "agent_id", agent.ID)
	return nil
}

// resolveAgent loads the named agent, or the default agent. Without a
// configured default, calls run as an unstored anonymous proxy agent.
func (h *Handler) resolveAgent(ctx context.Context, id string) (*domain.Agent, error) {
	if id != "" {
		agent, err := h.store.GetAgent(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrNotFound(fmt.Sprintf("unknown agent %q", id))
		}
		if err != nil {
			return nil, fmt.Errorf("load agent: %w", err)
		}
		return agent, nil
	}

	agent, err := h.store.GetDefaultAgent(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.Agent{ID: "default", Name: "default", Type: domain.AgentTypeLLMProxy}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load default agent: %w", err)
	}
	return agent, nil
}

// authenticate settles the upstream credential. Federated tokens are tried
// first, then the caller's provider key, then virtual keys.
func (h *Handler) authenticate(r *http.Request, c *call) error {
	ctx := r.Context()

	override := r.Header.Get(HeaderUpstreamBaseURL)
	if override != "" && !server.IsLoopback(r) {
		return domain.ErrPermission(HeaderUpstreamBaseURL + " is only accepted from loopback callers")
	}
	c.target = adapter.Target{BaseURL: override, Header: http.Header{}}
	for _, name := range passthroughHeaders {
		if v := r.Header.Get(name); v != "" {
			c.target.Header.Set(name, v)
		}
	}

	if idp := c.agent.IdentityProvider; idp != nil && idp.Issuer != "" {
		identity, err := h.federated.Authenticate(ctx, idp, auth.BearerToken(r))
		if err != nil {
			h.logger.Warn("federated authentication failed",
				slog.String("agent_id", c.agent.ID),
				slog.String("error", err.Error()))
			return domain.ErrAuthentication("invalid bearer token").WithCode(domain.ErrorCodeInvalidAPIKey)
		}
		server.AddLogField(ctx, "subject", identity.Subject)
		c.target.APIKey = c.entry.APIKey
		return nil
	}

	key := c.ad.ExtractAPIKey(r)
	switch {
	case auth.IsVirtualKey(key):
		return h.resolveVirtualKey(r, c, key)
	case key != "":
		c.target.APIKey = key
		return nil
	case c.entry.Keyless && server.IsLoopback(r):
		return nil
	default:
		// keyless providers fail closed for external callers
		return domain.ErrAuthentication("missing API key").WithCode(domain.ErrorCodeMissingAPIKey)
	}
}

func (h *Handler) resolveVirtualKey(r *http.Request, c *call, key string) error {
	if h.virtualKeys == nil {
		return domain.ErrAuthentication("virtual keys are not enabled").WithCode(domain.ErrorCodeInvalidAPIKey)
	}
	vk, decision, err := h.virtualKeys.Resolve(r.Context(), clientID(r), key)
	rl := server.RateLimitInfo{
		RequestsLimit:     decision.Limit,
		RequestsRemaining: decision.Remaining(),
		RequestsReset:     resetString(decision.ResetAt),
	}
	if !decision.Allowed && !decision.ResetAt.IsZero() {
		rl.RetryAfter = time.Until(decision.ResetAt)
	}
	server.SetRateLimits(r.Context(), rl)
	if err != nil {
		return err
	}
	if vk.Provider != "" && vk.Provider != c.ad.Name() {
		return domain.ErrPermission("virtual key is not valid for this provider")
	}
	if vk.AgentID != "" && vk.AgentID != c.agent.ID {
		return domain.ErrPermission("virtual key is not valid for this agent")
	}
	server.AddLogField(r.Context(), "virtual_key", vk.ID)
	c.target.APIKey = vk.ProviderAPIKey
	if vk.BaseURL != "" {
		c.target.BaseURL = vk.BaseURL
	}
	return nil
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func resetString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (h *Handler) checkLimits(ctx context.Context, c *call) error {
	violation, err := h.limits.CheckLimitsBeforeRequest(ctx, c.agent)
	if err != nil {
		return fmt.Errorf("check usage limits: %w", err)
	}
	if violation != nil {
		h.logger.Info("usage limit exceeded",
			slog.String("agent_id", c.agent.ID),
			slog.String("limit_id", violation.LimitID))
		return domain.ErrUsageLimit(violation.Message)
	}
	return nil
}

// persistTools records declared tool schemas for proxy agents. Failures
// never abort the call.
func (h *Handler) persistTools(ctx context.Context, c *call) {
	if c.agent.Type != domain.AgentTypeLLMProxy || !c.req.HasTools() {
		return
	}
	if err := h.store.UpsertTools(ctx, c.agent.ID, c.req.Tools()); err != nil {
		h.logger.Error("failed to persist tools",
			slog.String("agent_id", c.agent.ID),
			slog.String("error", err.Error()))
	}
}

// optimize applies the first matching optimization rule. The baseline model
// stays recorded for cost comparison.
func (h *Handler) optimize(ctx context.Context, c *call) {
	rule, err := h.optimizer.SelectModel(ctx, c.agent.ID, c.ad.Name(), cost.Features{
		ContentLength: cost.ContentLength(c.req.Messages()),
		HasTools:      c.req.HasTools(),
	})
	if err != nil {
		h.logger.Warn("model optimization skipped",
			slog.String("agent_id", c.agent.ID),
			slog.String("error", err.Error()))
		return
	}
	if rule == nil || rule.TargetModel == "" || rule.TargetModel == c.baselineModel {
		return
	}
	c.req.SetModel(rule.TargetModel)
	server.AddLogField(ctx, "baseline_model", c.baselineModel)
	server.AddLogField(ctx, "model", rule.TargetModel)
	h.logger.Debug("model optimized",
		slog.String("rule_id", rule.ID),
		slog.String("from", c.baselineModel),
		slog.String("to", rule.TargetModel))
}

// evaluateTrust classifies the context. Streaming calls show progress to
// the client, which commits the response headers. Evaluation errors leave
// the context untrusted.
func (h *Handler) evaluateTrust(ctx context.Context, c *call) {
	req := trust.Request{Agent: c.agent, ToolResults: c.req.ToolResults()}
	if c.writer != nil {
		req.Progress = func(text string) {
			if err := c.writer.Write(c.sa.FormatTextDeltaSSE(text)); err != nil {
				h.logger.Debug("progress write failed", slog.String("error", err.Error()))
			}
		}
	}

	res, err := c.settings.Trust.Evaluate(ctx, req)
	if err != nil {
		h.logger.Error("trust evaluation failed",
			slog.String("agent_id", c.agent.ID),
			slog.String("error", err.Error()))
		c.trusted = false
		return
	}
	if len(res.Updates) > 0 {
		c.req.ApplyToolResultUpdates(res.Updates)
	}
	c.trusted = res.Trusted
	server.AddLogField(ctx, "trusted", fmt.Sprint(res.Trusted))
	if res.Reason != "" {
		server.AddLogField(ctx, "trust_reason", res.Reason)
	}
}

func (h *Handler) compress(c *call) {
	if !c.settings.Compression {
		c.compression = compress.Skipped(compress.SkipNotEnabled)
	} else {
		c.compression = c.req.ApplyTOONCompression(c.req.Model())
	}

	outcome := "applied"
	if !c.compression.Applied {
		outcome = string(c.compression.SkipReason)
	}
	if h.metrics != nil {
		h.metrics.Compression(c.ad.Name(), outcome, c.compression.TokensSaved())
	}
}

// fail is the single error funnel. Before any output it writes a status
// and body in the caller's dialect; afterwards only an SSE error frame is
// possible.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, c *call, err error) {
	c.err = err
	if c.status == "" {
		c.status = domain.InteractionError
	}
	server.AddError(r.Context(), err)

	if c.writer != nil && c.writer.Committed() {
		if werr := c.writer.WriteError(c.ad.ExtractErrorMessage(err)); werr != nil {
			h.logger.Debug("error frame not delivered", slog.String("error", werr.Error()))
		}
		c.status = domain.InteractionAborted
		return
	}
	if _, ok := domain.AsAPIError(err); !ok {
		if server.TimedOut(r.Context()) {
			err = domain.ErrUpstream(http.StatusGatewayTimeout, "upstream request timed out")
		} else {
			h.logger.Error("proxy call failed", slog.String("error", err.Error()))
			err = domain.ErrServer("internal error")
		}
	}
	codec.WriteError(w, err, c.apiType)
}
