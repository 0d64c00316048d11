package domain

import (
	"fmt"
	"regexp"
)

// Operator compares a tool argument against a condition value.
type Operator string

const (
	OperatorEqual       Operator = "equal"
	OperatorNotEqual    Operator = "notEqual"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "notContains"
	OperatorStartsWith  Operator = "startsWith"
	OperatorEndsWith    Operator = "endsWith"
	OperatorRegex       Operator = "regex"
)

// Condition is one {key, operator, value} test against tool arguments.
// Key is a dotted path into the argument object.
type Condition struct {
	Key      string   `json:"key" koanf:"key"`
	Operator Operator `json:"operator" koanf:"operator"`
	Value    string   `json:"value" koanf:"value"`
}

// Validate rejects conditions that could never match: a missing key, an
// unknown operator or a regex that does not compile.
func (c Condition) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("condition on operator %q has no key", c.Operator)
	}
	switch c.Operator {
	case OperatorEqual, OperatorNotEqual, OperatorContains, OperatorNotContains,
		OperatorStartsWith, OperatorEndsWith:
	case OperatorRegex:
		if _, err := regexp.Compile(c.Value); err != nil {
			return fmt.Errorf("condition %q: invalid regex: %w", c.Key, err)
		}
	default:
		return fmt.Errorf("condition %q: unknown operator %q", c.Key, c.Operator)
	}
	return nil
}

// PolicyAction is what a matching tool invocation policy does.
type PolicyAction string

const (
	ActionBlockAlways                 PolicyAction = "block_always"
	ActionAllowWhenContextIsUntrusted PolicyAction = "allow_when_context_is_untrusted"
)

// ToolInvocationPolicy is a rule attached to one tool, scoped to an
// agent or a team. A policy with no conditions is the tool's default rule.
type ToolInvocationPolicy struct {
	ID         string       `json:"id"`
	AgentID    string       `json:"agent_id,omitempty"`
	TeamID     string       `json:"team_id,omitempty"`
	ToolName   string       `json:"tool_name"`
	Conditions []Condition  `json:"conditions"`
	Action     PolicyAction `json:"action"`
	Reason     string       `json:"reason,omitempty"`
}

// IsDefault reports whether the policy applies regardless of arguments.
func (p ToolInvocationPolicy) IsDefault() bool {
	return len(p.Conditions) == 0
}

// PolicyDecision is the outcome of evaluating a batch of tool calls.
// ToolCallName and Reason are set only when IsAllowed is false and name
// the first blocking call in input order.
type PolicyDecision struct {
	IsAllowed    bool   `json:"isAllowed"`
	ToolCallName string `json:"toolCallName,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// OptimizationRule downgrades the requested model when its conditions hold.
type OptimizationRule struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	// Provider is the configured provider name the rule applies to.
	Provider string `json:"provider"`
	// MaxContentLength matches when total message text length is at most
	// this many characters.
	MaxContentLength *int  `json:"max_content_length,omitempty"`
	HasTools         *bool `json:"has_tools,omitempty"`

	TargetModel string `json:"target_model"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
}

// ModelPricing is the price of a model per thousand tokens.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k" koanf:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" koanf:"output_per_1k"`
}

// LimitEntity is the scope a usage limit applies to.
type LimitEntity string

const (
	LimitEntityAgent LimitEntity = "agent"
	LimitEntityTeam  LimitEntity = "team"
)

// LimitType selects what a usage limit counts.
type LimitType string

const (
	LimitTypeTokenCost  LimitType = "token_cost"
	LimitTypeTokenCount LimitType = "token_count"
)

// UsageLimit caps cumulative usage for an agent or team.
type UsageLimit struct {
	ID           string      `json:"id" db:"id"`
	EntityType   LimitEntity `json:"entity_type" db:"entity_type"`
	EntityID     string      `json:"entity_id" db:"entity_id"`
	LimitType    LimitType   `json:"limit_type" db:"limit_type"`
	LimitValue   float64     `json:"limit_value" db:"limit_value"`
	CurrentUsage float64     `json:"current_usage" db:"current_usage"`
}

// Exceeded reports whether usage has reached the limit.
func (l UsageLimit) Exceeded() bool {
	return l.CurrentUsage >= l.LimitValue
}

// LimitViolation describes why a request was refused before execution.
type LimitViolation struct {
	LimitID      string      `json:"limit_id"`
	EntityType   LimitEntity `json:"entity_type"`
	EntityID     string      `json:"entity_id"`
	LimitType    LimitType   `json:"limit_type"`
	LimitValue   float64     `json:"limit_value"`
	CurrentUsage float64     `json:"current_usage"`
	Message      string      `json:"message"`
}
