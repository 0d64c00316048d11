package toolpolicy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// Posture decides what happens to a call with no matching rule when the
// context is untrusted.
type Posture string

const (
	PostureRestrictive Posture = "restrictive"
	PosturePermissive  Posture = "permissive"
)

// ParsePosture maps a config value to a Posture. Anything other than
// "permissive" is restrictive.
func ParsePosture(s string) Posture {
	if strings.EqualFold(strings.TrimSpace(s), string(PosturePermissive)) {
		return PosturePermissive
	}
	return PostureRestrictive
}

// InternalToolPrefix marks tools the proxy itself provides. They are never
// subject to policy.
const InternalToolPrefix = "polyglot__"

// UntrustedReason is the block reason when untrusted context has no
// matching allow rule.
const UntrustedReason = "context contains untrusted data"

// PolicySource loads the tool invocation policies visible to an agent,
// either attached to the agent itself or to one of its teams.
type PolicySource interface {
	ListToolPolicies(ctx context.Context, agentID string, teamIDs []string) ([]domain.ToolInvocationPolicy, error)
}

// Input is one batch of tool calls to evaluate.
type Input struct {
	Calls          []Call
	AgentID        string
	TeamIDs        []string
	ContextTrusted bool
	// EnabledToolNames restricts which tools' rules are consulted. When
	// nil, rules for every tool are consulted.
	EnabledToolNames []string
	Posture          Posture
}

// Evaluator applies tool invocation policies to batches of tool calls.
type Evaluator struct {
	source PolicySource
	logger *slog.Logger
}

// NewEvaluator creates an evaluator reading policies from source.
func NewEvaluator(source PolicySource, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{source: source, logger: logger}
}

// Evaluate decides the batch in input order and stops at the first blocked
// call. An empty batch is allowed.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (domain.PolicyDecision, error) {
	allowed := domain.PolicyDecision{IsAllowed: true}
	if len(in.Calls) == 0 {
		return allowed, nil
	}

	policies, err := e.source.ListToolPolicies(ctx, in.AgentID, in.TeamIDs)
	if err != nil {
		return domain.PolicyDecision{}, fmt.Errorf("load tool policies: %w", err)
	}
	byTool := groupByTool(policies, in.EnabledToolNames)

	for _, call := range in.Calls {
		if strings.HasPrefix(call.Name, InternalToolPrefix) {
			continue
		}
		blocked, reason := decide(call, byTool[call.Name], in.ContextTrusted, in.Posture)
		if blocked {
			e.logger.Info("tool call blocked",
				slog.String("agent_id", in.AgentID),
				slog.String("tool", call.Name),
				slog.String("reason", reason))
			return domain.PolicyDecision{IsAllowed: false, ToolCallName: call.Name, Reason: reason}, nil
		}
	}
	return allowed, nil
}

func groupByTool(policies []domain.ToolInvocationPolicy, enabled []string) map[string][]domain.ToolInvocationPolicy {
	var filter map[string]bool
	if enabled != nil {
		filter = make(map[string]bool, len(enabled))
		for _, name := range enabled {
			filter[name] = true
		}
	}
	out := make(map[string][]domain.ToolInvocationPolicy)
	for _, p := range policies {
		if filter != nil && !filter[p.ToolName] {
			continue
		}
		out[p.ToolName] = append(out[p.ToolName], p)
	}
	return out
}

// decide applies one tool's rules to one call. Matching specific rules are
// consulted before default rules; within a tier any block wins over allows.
func decide(call Call, rules []domain.ToolInvocationPolicy, trusted bool, posture Posture) (bool, string) {
	args := decodeArgs(call.Args)

	var specificBlock, specificAllow, defaultBlock, defaultAllow *domain.ToolInvocationPolicy
	for i := range rules {
		r := &rules[i]
		if r.IsDefault() {
			switch r.Action {
			case domain.ActionBlockAlways:
				if defaultBlock == nil {
					defaultBlock = r
				}
			case domain.ActionAllowWhenContextIsUntrusted:
				if defaultAllow == nil {
					defaultAllow = r
				}
			}
			continue
		}
		if !matchAll(args, r.Conditions) {
			continue
		}
		switch r.Action {
		case domain.ActionBlockAlways:
			if specificBlock == nil {
				specificBlock = r
			}
		case domain.ActionAllowWhenContextIsUntrusted:
			if specificAllow == nil {
				specificAllow = r
			}
		}
	}

	switch {
	case specificBlock != nil:
		return true, blockReason(specificBlock)
	case specificAllow != nil:
		return false, ""
	case defaultBlock != nil:
		return true, blockReason(defaultBlock)
	case defaultAllow != nil:
		return false, ""
	}

	if trusted || posture == PosturePermissive {
		return false, ""
	}
	return true, UntrustedReason
}

func blockReason(p *domain.ToolInvocationPolicy) string {
	if p.Reason != "" {
		return p.Reason
	}
	return "tool invocation blocked by policy"
}
