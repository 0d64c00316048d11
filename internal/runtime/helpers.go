package runtime

import (
	"context"
	"fmt"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/config"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
)

// seed upserts the agents, policies, rules, limits and virtual keys declared
// in cfg. Entries removed from the file stay in the store. Usage totals of
// existing limits are kept.
func seed(ctx context.Context, store storage.Store, cfg *config.Config) error {
	for _, a := range cfg.Agents {
		agent := a.Agent()
		if err := store.UpsertAgent(ctx, &agent); err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
	}
	for i, p := range cfg.ToolPolicies {
		policy := p.Policy()
		if policy.ID == "" {
			policy.ID = fmt.Sprintf("config-policy-%d", i)
		}
		if err := store.UpsertToolPolicy(ctx, policy); err != nil {
			return fmt.Errorf("tool policy %s: %w", policy.ID, err)
		}
	}
	for i, r := range cfg.OptimizationRules {
		rule := r.Rule()
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("config-rule-%d", i)
		}
		if err := store.UpsertOptimizationRule(ctx, rule); err != nil {
			return fmt.Errorf("optimization rule %s: %w", rule.ID, err)
		}
	}
	for _, l := range cfg.Limits {
		if err := store.UpsertUsageLimit(ctx, l.Limit()); err != nil {
			return fmt.Errorf("usage limit %s: %w", l.ID, err)
		}
	}
	for _, v := range cfg.VirtualKeys {
		if err := store.UpsertVirtualKey(ctx, v.VirtualKey()); err != nil {
			return fmt.Errorf("virtual key %s: %w", v.ID, err)
		}
	}
	return nil
}
