package domain

import (
	"encoding/json"
	"time"
)

// InteractionStatus is the terminal state of a proxied call.
type InteractionStatus string

const (
	InteractionSuccess InteractionStatus = "success"
	InteractionRefused InteractionStatus = "refused"
	InteractionAborted InteractionStatus = "aborted"
	InteractionError   InteractionStatus = "error"
)

// Interaction is the audit record for one proxied call. It is built once,
// after the call finished, and never mutated afterwards.
type Interaction struct {
	ID              string            `json:"id"`
	AgentID         string            `json:"agent_id"`
	ExecutionID     string            `json:"execution_id,omitempty"`
	ExternalAgentID string            `json:"external_agent_id,omitempty"`
	Provider        Provider          `json:"provider"`
	Type            string            `json:"type"`
	Status          InteractionStatus `json:"status"`
	Streaming       bool              `json:"streaming"`

	BaselineModel string `json:"baseline_model"`
	Model         string `json:"model"`

	Request          json.RawMessage `json:"request,omitempty"`
	ProcessedRequest json.RawMessage `json:"processed_request,omitempty"`
	Response         json.RawMessage `json:"response,omitempty"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	BaselineCost float64 `json:"baseline_cost"`
	Cost         float64 `json:"cost"`

	TOONTokensBefore int     `json:"toon_tokens_before,omitempty"`
	TOONTokensAfter  int     `json:"toon_tokens_after,omitempty"`
	TOONCostSavings  float64 `json:"toon_cost_savings,omitempty"`
	TOONSkipReason   string  `json:"toon_skip_reason,omitempty"`

	BlockedToolName string `json:"blocked_tool_name,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}
