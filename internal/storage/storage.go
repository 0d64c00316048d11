// Package storage defines the persistence collaborators the proxy reads
// policy from and writes audit records to. sqldb and memory implement them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// ErrNotFound is returned when a lookup by id or key finds nothing.
var ErrNotFound = errors.New("not found")

// AgentStore resolves the agent a call runs under.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	// GetDefaultAgent returns the agent marked is_default.
	GetDefaultAgent(ctx context.Context) (*domain.Agent, error)
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
}

// PolicyStore holds tool invocation policies.
type PolicyStore interface {
	// ListToolPolicies returns policies scoped to the agent or any of the
	// teams.
	ListToolPolicies(ctx context.Context, agentID string, teamIDs []string) ([]domain.ToolInvocationPolicy, error)
	UpsertToolPolicy(ctx context.Context, policy domain.ToolInvocationPolicy) error
}

// RuleStore holds cost optimization rules.
type RuleStore interface {
	ListOptimizationRules(ctx context.Context, agentID string) ([]domain.OptimizationRule, error)
	UpsertOptimizationRule(ctx context.Context, rule domain.OptimizationRule) error
}

// LimitStore holds usage limits and their running totals.
type LimitStore interface {
	ListUsageLimits(ctx context.Context, agentID string, teamIDs []string) ([]domain.UsageLimit, error)
	UpsertUsageLimit(ctx context.Context, limit domain.UsageLimit) error
	// IncrementUsage adds delta to a limit's current usage.
	IncrementUsage(ctx context.Context, limitID string, delta float64) error
}

// ToolStore is the catalog of tools callers have declared.
type ToolStore interface {
	UpsertTools(ctx context.Context, agentID string, tools []domain.ToolDefinition) error
	ListTools(ctx context.Context, agentID string) ([]domain.ToolDefinition, error)
}

// InteractionStore holds the per-call audit trail.
type InteractionStore interface {
	CreateInteraction(ctx context.Context, interaction *domain.Interaction) error
	GetInteraction(ctx context.Context, id string) (*domain.Interaction, error)
	// ListInteractions returns an agent's newest interactions first.
	ListInteractions(ctx context.Context, agentID string, limit int) ([]*domain.Interaction, error)
}

// Model is a model the proxy has seen traffic for.
type Model struct {
	Name      string          `json:"name" db:"name"`
	Provider  domain.Provider `json:"provider" db:"provider"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ModelStore registers models on first use.
type ModelStore interface {
	EnsureModelExists(ctx context.Context, name string, provider domain.Provider) error
	ListModels(ctx context.Context) ([]Model, error)
}

// VirtualKeyStore resolves gateway-issued keys by hash.
type VirtualKeyStore interface {
	GetVirtualKeyByHash(ctx context.Context, hash string) (*domain.VirtualKey, error)
	UpsertVirtualKey(ctx context.Context, key domain.VirtualKey) error
}

// Store is the full persistence surface.
type Store interface {
	AgentStore
	PolicyStore
	RuleStore
	LimitStore
	ToolStore
	InteractionStore
	ModelStore
	VirtualKeyStore
	Close() error
}
