package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/server"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/stream"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/telemetry"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/toolpolicy"
)

// RefusalFormat is the assistant text that replaces blocked tool calls.
const RefusalFormat = "I tried to invoke the %s tool, but it was blocked by a tool invocation policy: %s"

func (h *Handler) startSpan(ctx context.Context, c *call) context.Context {
	ctx, c.span = telemetry.StartLLMSpan(ctx, telemetry.LLMSpan{
		Provider:  string(c.ad.Provider()),
		Model:     c.req.Model(),
		AgentID:   c.agent.ID,
		Streaming: c.req.IsStreaming(),
	})
	return ctx
}

// execute handles a non-streaming call.
func (h *Handler) execute(w http.ResponseWriter, r *http.Request, c *call) {
	ctx := h.startSpan(r.Context(), c)

	resp, err := c.ad.Execute(ctx, c.req, c.target)
	if err != nil {
		h.fail(w, r, c, err)
		return
	}
	c.model = resp.Model()
	c.responseID = resp.ID()
	c.finish = resp.FinishReasons()
	c.usage = resp.Usage()
	c.status = domain.InteractionSuccess

	body := resp.OriginalResponse()
	if calls := resp.ToolCalls(); len(calls) > 0 {
		if refusal, blocked := h.gate(c)(ctx, calls); blocked {
			content := refusal
			if text := resp.Text(); text != "" {
				content = text + "\n\n" + refusal
			}
			refused, err := resp.ToRefusalResponse(refusal, content)
			if err != nil {
				h.fail(w, r, c, fmt.Errorf("build refusal response: %w", err))
				return
			}
			body = refused
			c.status = domain.InteractionRefused
		}
	}
	c.response = body

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("response write failed", slog.String("error", err.Error()))
	}
}

// executeStream handles a streaming call. Headers may already be committed
// by trust progress output.
func (h *Handler) executeStream(w http.ResponseWriter, r *http.Request, c *call) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = h.startSpan(ctx, c)

	chunks, err := c.ad.ExecuteStream(ctx, c.req, c.target)
	if err != nil {
		h.fail(w, r, c, err)
		return
	}

	res := stream.Run(ctx, c.writer, c.sa, chunks, h.gate(c))
	cancel()

	state := c.sa.State()
	c.model = state.Model
	c.responseID = state.ResponseID
	if state.StopReason != "" {
		c.finish = []string{state.StopReason}
	}
	c.usage = state.UsageOrZero()
	if body, err := c.sa.ToProviderResponse(); err == nil {
		c.response = body
	}
	c.status = res.Status

	switch {
	case res.Err == nil:
	case res.Status == domain.InteractionError:
		// nothing was written yet, so the status line is still ours
		h.fail(w, r, c, res.Err)
	case server.TimedOut(r.Context()):
		c.err = res.Err
		server.AddLogField(r.Context(), "aborted", "request timeout")
	case errors.Is(res.Err, context.Canceled):
		c.err = res.Err
		server.AddLogField(r.Context(), "aborted", "client disconnected")
	default:
		c.err = res.Err
		server.AddError(r.Context(), res.Err)
	}
}

// gate evaluates tool calls as one batch. Evaluation errors block.
func (h *Handler) gate(c *call) stream.Gate {
	return func(ctx context.Context, calls []domain.ToolCall) (string, bool) {
		var enabled []string
		for _, t := range c.req.Tools() {
			enabled = append(enabled, t.Name)
		}

		decision, err := h.policies.Evaluate(ctx, toolpolicy.Input{
			Calls:            toolpolicy.NormalizeToolCalls(calls),
			AgentID:          c.agent.ID,
			TeamIDs:          c.agent.TeamIDs,
			ContextTrusted:   c.trusted,
			EnabledToolNames: enabled,
			Posture:          c.settings.Posture,
		})
		if err != nil {
			h.logger.Error("tool policy evaluation failed",
				slog.String("agent_id", c.agent.ID),
				slog.String("error", err.Error()))
			decision = domain.PolicyDecision{
				ToolCallName: calls[0].Name,
				Reason:       "tool policy could not be evaluated",
			}
		}
		if decision.IsAllowed {
			server.AddLogField(ctx, "tool_decision", "allowed")
			return "", false
		}

		c.blockedTool = decision.ToolCallName
		server.AddLogField(ctx, "tool_decision", "blocked")
		server.AddLogField(ctx, "blocked_tool", decision.ToolCallName)
		if h.metrics != nil {
			h.metrics.BlockedToolCall(c.ad.Name(), decision.ToolCallName)
		}
		return fmt.Sprintf(RefusalFormat, decision.ToolCallName, decision.Reason), true
	}
}
