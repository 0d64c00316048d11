// Package limits enforces cumulative usage limits per agent and team, and
// provides the sliding-window rate limiters used for virtual keys.
package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
)

// Validator checks usage limits before a call and records usage after it.
type Validator struct {
	store  storage.LimitStore
	logger *slog.Logger
}

// NewValidator creates a validator over store.
func NewValidator(store storage.LimitStore, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{store: store, logger: logger}
}

// CheckLimitsBeforeRequest returns the first exhausted limit of the agent or
// one of its teams, or nil when the call may proceed.
func (v *Validator) CheckLimitsBeforeRequest(ctx context.Context, agent *domain.Agent) (*domain.LimitViolation, error) {
	limits, err := v.store.ListUsageLimits(ctx, agent.ID, agent.TeamIDs)
	if err != nil {
		return nil, fmt.Errorf("load usage limits: %w", err)
	}
	for _, l := range limits {
		if !l.Exceeded() {
			continue
		}
		return &domain.LimitViolation{
			LimitID:      l.ID,
			EntityType:   l.EntityType,
			EntityID:     l.EntityID,
			LimitType:    l.LimitType,
			LimitValue:   l.LimitValue,
			CurrentUsage: l.CurrentUsage,
			Message: fmt.Sprintf("%s limit exceeded for %s %s: %s of %s",
				l.LimitType, l.EntityType, l.EntityID, formatAmount(l.LimitType, l.CurrentUsage), formatAmount(l.LimitType, l.LimitValue)),
		}, nil
	}
	return nil, nil
}

// RecordUsage adds the call's tokens or cost to every limit covering the
// agent. It keeps going past individual failures and returns them joined.
func (v *Validator) RecordUsage(ctx context.Context, agent *domain.Agent, usage domain.Usage, cost float64) error {
	limits, err := v.store.ListUsageLimits(ctx, agent.ID, agent.TeamIDs)
	if err != nil {
		return fmt.Errorf("load usage limits: %w", err)
	}

	var errs []error
	for _, l := range limits {
		var delta float64
		switch l.LimitType {
		case domain.LimitTypeTokenCount:
			delta = float64(usage.Total())
		case domain.LimitTypeTokenCost:
			delta = cost
		}
		if delta == 0 {
			continue
		}
		if err := v.store.IncrementUsage(ctx, l.ID, delta); err != nil {
			errs = append(errs, fmt.Errorf("limit %s: %w", l.ID, err))
		}
	}
	return errors.Join(errs...)
}

func formatAmount(t domain.LimitType, v float64) string {
	if t == domain.LimitTypeTokenCost {
		return fmt.Sprintf("$%.4f", v)
	}
	return fmt.Sprintf("%.0f tokens", v)
}
