// Package trust classifies a conversation's context as trusted or untrusted
// before tool-enabled execution. Untrusted context narrows which tool calls
// the policy evaluator lets through.
package trust

import (
	"context"
	"slices"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// ProgressFunc receives human-readable progress text while an evaluation
// runs. Streaming calls forward it to the client as text deltas.
type ProgressFunc func(text string)

// Request is the context to classify.
type Request struct {
	Agent       *domain.Agent
	ToolResults []domain.ToolResult
	// Progress may be nil.
	Progress ProgressFunc
}

// Result is the classification. Updates maps tool-call ids to replacement
// tool-result content and is applied to the request before execution.
type Result struct {
	Trusted bool
	Updates map[string]string
	Reason  string
}

// Evaluator classifies context.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

const (
	ReasonAgentUntrusted  = "agent considers context untrusted"
	ReasonUntrustedResult = "tool result from untrusted source"
	ReasonInstructions    = "tool result contains instructions"
)

// StaticEvaluator trusts tool results only from an allow-list of tool
// names. Agents flagged ConsiderContextUntrusted are never trusted.
type StaticEvaluator struct {
	TrustedTools []string
}

// NewStaticEvaluator creates an evaluator trusting results from the named
// tools.
func NewStaticEvaluator(trustedTools []string) *StaticEvaluator {
	return &StaticEvaluator{TrustedTools: trustedTools}
}

func (e *StaticEvaluator) Evaluate(_ context.Context, req Request) (Result, error) {
	if req.Agent != nil && req.Agent.ConsiderContextUntrusted {
		return Result{Reason: ReasonAgentUntrusted}, nil
	}
	if len(e.untrusted(req.ToolResults)) > 0 {
		return Result{Reason: ReasonUntrustedResult}, nil
	}
	return Result{Trusted: true}, nil
}

// untrusted returns the tool results not covered by the allow-list.
func (e *StaticEvaluator) untrusted(results []domain.ToolResult) []domain.ToolResult {
	var out []domain.ToolResult
	for _, r := range results {
		if r.ToolName != "" && slices.Contains(e.TrustedTools, r.ToolName) {
			continue
		}
		out = append(out, r)
	}
	return out
}
