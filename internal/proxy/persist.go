package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/cost"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/server"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/telemetry"
)

const persistTimeout = 10 * time.Second

// persist records the finished call. It runs even when the client went
// away, with whatever usage was observed, and never fails the call.
func (h *Handler) persist(reqCtx context.Context, c *call) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), persistTimeout)
	defer cancel()

	if c.status == "" {
		c.status = domain.InteractionError
	}
	model := c.model
	if model == "" {
		model = c.req.Model()
	}
	provider := c.ad.Provider()
	ref := cost.ProviderRef{Name: c.ad.Name(), Type: provider}
	prices := c.settings.Prices
	baselineCost, actualCost := cost.CalculateInteractionCosts(prices, ref, c.baselineModel, model, c.usage)

	processed, _ := c.req.ToProviderRequest()
	rec := &domain.Interaction{
		ID:               c.id,
		AgentID:          c.agent.ID,
		ExecutionID:      c.executionID,
		ExternalAgentID:  c.externalAgentID,
		Provider:         provider,
		Type:             "chat",
		Status:           c.status,
		Streaming:        c.req.IsStreaming(),
		BaselineModel:    c.baselineModel,
		Model:            model,
		Request:          c.req.OriginalRequest(),
		ProcessedRequest: processed,
		Response:         c.response,
		InputTokens:      c.usage.InputTokens,
		OutputTokens:     c.usage.OutputTokens,
		BaselineCost:     baselineCost,
		Cost:             actualCost,
		TOONTokensBefore: c.compression.TokensBefore,
		TOONTokensAfter:  c.compression.TokensAfter,
		TOONCostSavings:  prices.InputSavings(ref, model, c.compression.TokensSaved()),
		TOONSkipReason:   string(c.compression.SkipReason),
		BlockedToolName:  c.blockedTool,
		Duration:         time.Since(c.start),
		CreatedAt:        c.start.UTC(),
	}
	if c.err != nil {
		rec.ErrorMessage = c.ad.ExtractErrorMessage(c.err)
	}

	server.AddLogField(reqCtx, "interaction_id", rec.ID)
	server.AddLogField(reqCtx, "status", string(rec.Status))
	if rec.TOONSkipReason != "" {
		server.AddLogField(reqCtx, "compression_skip_reason", rec.TOONSkipReason)
	}

	if err := h.store.CreateInteraction(ctx, rec); err != nil {
		h.logger.Error("failed to record interaction",
			slog.String("interaction_id", rec.ID),
			slog.String("agent_id", rec.AgentID),
			slog.String("error", err.Error()))
	}
	if c.model != "" {
		if err := h.store.EnsureModelExists(ctx, c.model, provider); err != nil {
			h.logger.Warn("failed to register model",
				slog.String("model", c.model),
				slog.String("error", err.Error()))
		}
	}
	if c.usage.Total() > 0 {
		if err := h.limits.RecordUsage(ctx, c.agent, c.usage, actualCost); err != nil {
			h.logger.Error("failed to record usage",
				slog.String("agent_id", c.agent.ID),
				slog.String("error", err.Error()))
		}
	}

	if h.metrics != nil {
		h.metrics.ObserveInteraction(metrics.Interaction{
			Provider:     c.ad.Name(),
			Model:        model,
			Stream:       rec.Streaming,
			Status:       string(rec.Status),
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			Cost:         actualCost,
			Duration:     rec.Duration,
		})
	}

	if c.span != nil {
		telemetry.EndLLMSpan(c.span, telemetry.LLMResult{
			Model:         c.model,
			ResponseID:    c.responseID,
			FinishReasons: c.finish,
			InputTokens:   c.usage.InputTokens,
			OutputTokens:  c.usage.OutputTokens,
			Trusted:       c.trusted,
			BlockedTool:   c.blockedTool,
			Status:        string(c.status),
			Err:           c.err,
		})
	}
}
