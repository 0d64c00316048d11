package config

import (
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// Agent converts the entry to its stored form.
func (a AgentConfig) Agent() domain.Agent {
	agent := domain.Agent{
		ID:                       a.ID,
		Name:                     a.Name,
		Type:                     domain.AgentType(a.Type),
		IsDefault:                a.Default,
		TeamIDs:                  a.TeamIDs,
		ConsiderContextUntrusted: a.ConsiderContextUntrusted,
	}
	if agent.Type == "" {
		agent.Type = domain.AgentTypeLLMProxy
	}
	if agent.Name == "" {
		agent.Name = a.ID
	}
	if idp := a.IdentityProvider; idp != nil && idp.Issuer != "" {
		agent.IdentityProvider = &domain.IdentityProvider{
			Issuer:   idp.Issuer,
			Audience: idp.Audience,
			JWKSURL:  idp.JWKSURL,
		}
	}
	return agent
}

func (p ToolPolicyConfig) Policy() domain.ToolInvocationPolicy {
	return domain.ToolInvocationPolicy{
		ID:         p.ID,
		AgentID:    p.AgentID,
		TeamID:     p.TeamID,
		ToolName:   p.ToolName,
		Conditions: p.Conditions,
		Action:     domain.PolicyAction(p.Action),
		Reason:     p.Reason,
	}
}

// Rule converts the entry. Rules are enabled unless switched off.
func (r OptimizationRuleConfig) Rule() domain.OptimizationRule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return domain.OptimizationRule{
		ID:               r.ID,
		AgentID:          r.AgentID,
		Provider:         r.Provider,
		MaxContentLength: r.MaxContentLength,
		HasTools:         r.HasTools,
		TargetModel:      r.TargetModel,
		Priority:         r.Priority,
		Enabled:          enabled,
	}
}

func (l LimitConfig) Limit() domain.UsageLimit {
	entity := domain.LimitEntity(l.EntityType)
	if entity == "" {
		entity = domain.LimitEntityAgent
	}
	kind := domain.LimitType(l.LimitType)
	if kind == "" {
		kind = domain.LimitTypeTokenCount
	}
	return domain.UsageLimit{
		ID:         l.ID,
		EntityType: entity,
		EntityID:   l.EntityID,
		LimitType:  kind,
		LimitValue: l.LimitValue,
	}
}

func (v VirtualKeyConfig) VirtualKey() domain.VirtualKey {
	id := v.ID
	if id == "" {
		id = v.KeyHash
	}
	return domain.VirtualKey{
		ID:             id,
		KeyHash:        v.KeyHash,
		Provider:       v.Provider,
		ProviderAPIKey: v.ProviderAPIKey,
		BaseURL:        v.BaseURL,
		AgentID:        v.AgentID,
	}
}

// PriceOverrides groups the pricing entries by provider then model.
func (c *Config) PriceOverrides() map[string]map[string]domain.ModelPricing {
	out := make(map[string]map[string]domain.ModelPricing)
	for _, p := range c.Pricing {
		if out[p.Provider] == nil {
			out[p.Provider] = make(map[string]domain.ModelPricing)
		}
		out[p.Provider][p.Model] = domain.ModelPricing{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
	}
	return out
}
