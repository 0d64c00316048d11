package cost

import (
	"context"
	"fmt"
	"sort"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// RuleSource loads an agent's optimization rules.
type RuleSource interface {
	ListOptimizationRules(ctx context.Context, agentID string) ([]domain.OptimizationRule, error)
}

// Features are the request properties optimization rules match against.
type Features struct {
	// ContentLength is the total character length of all message text.
	ContentLength int
	HasTools      bool
}

// ContentLength sums the text length of messages.
func ContentLength(messages []domain.Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

// Optimizer picks a cheaper model for a request when a rule matches.
type Optimizer struct {
	rules RuleSource
}

// NewOptimizer creates an optimizer reading rules from rules.
func NewOptimizer(rules RuleSource) *Optimizer {
	return &Optimizer{rules: rules}
}

// SelectModel returns the rule that applies to the request, or nil when no
// enabled rule for this agent and provider matches. provider is the
// configured provider name, so a rule for "openai" never rewrites models on
// another openai-compatible provider. Rules are tried in ascending priority
// and the first match wins.
func (o *Optimizer) SelectModel(ctx context.Context, agentID, provider string, f Features) (*domain.OptimizationRule, error) {
	rules, err := o.rules.ListOptimizationRules(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load optimization rules: %w", err)
	}

	candidates := make([]domain.OptimizationRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && r.Provider == provider && r.TargetModel != "" {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	for i := range candidates {
		if ruleMatches(candidates[i], f) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func ruleMatches(r domain.OptimizationRule, f Features) bool {
	if r.MaxContentLength != nil && f.ContentLength > *r.MaxContentLength {
		return false
	}
	if r.HasTools != nil && f.HasTools != *r.HasTools {
		return false
	}
	return true
}
