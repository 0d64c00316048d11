// Package memory is an in-process implementation of storage.Store, used for
// tests and for config-only deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu           sync.RWMutex
	agents       map[string]*domain.Agent
	policies     map[string]domain.ToolInvocationPolicy
	rules        map[string]domain.OptimizationRule
	limits       map[string]*domain.UsageLimit
	tools        map[string]map[string]domain.ToolDefinition
	interactions []*domain.Interaction
	models       map[string]storage.Model
	keys         map[string]domain.VirtualKey
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		agents:   make(map[string]*domain.Agent),
		policies: make(map[string]domain.ToolInvocationPolicy),
		rules:    make(map[string]domain.OptimizationRule),
		limits:   make(map[string]*domain.UsageLimit),
		tools:    make(map[string]map[string]domain.ToolDefinition),
		models:   make(map[string]storage.Model),
		keys:     make(map[string]domain.VirtualKey),
	}
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, storage.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetDefaultAgent(ctx context.Context) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.IsDefault {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("default agent: %w", storage.ErrNotFound)
}

func (s *Store) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *agent
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.IsDefault {
		for _, a := range s.agents {
			a.IsDefault = false
		}
	}
	s.agents[agent.ID] = &cp
	return nil
}

func (s *Store) ListToolPolicies(ctx context.Context, agentID string, teamIDs []string) ([]domain.ToolInvocationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ToolInvocationPolicy
	for _, p := range s.policies {
		if (p.AgentID != "" && p.AgentID == agentID) || (p.TeamID != "" && slices.Contains(teamIDs, p.TeamID)) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertToolPolicy(ctx context.Context, policy domain.ToolInvocationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = policy
	return nil
}

func (s *Store) ListOptimizationRules(ctx context.Context, agentID string) ([]domain.OptimizationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.OptimizationRule
	for _, r := range s.rules {
		if r.AgentID == agentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertOptimizationRule(ctx context.Context, rule domain.OptimizationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *Store) ListUsageLimits(ctx context.Context, agentID string, teamIDs []string) ([]domain.UsageLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UsageLimit
	for _, l := range s.limits {
		switch {
		case l.EntityType == domain.LimitEntityAgent && l.EntityID == agentID,
			l.EntityType == domain.LimitEntityTeam && slices.Contains(teamIDs, l.EntityID):
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertUsageLimit keeps the running total of an existing limit.
func (s *Store) UpsertUsageLimit(ctx context.Context, limit domain.UsageLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.limits[limit.ID]; ok {
		limit.CurrentUsage = existing.CurrentUsage
	}
	s.limits[limit.ID] = &limit
	return nil
}

func (s *Store) IncrementUsage(ctx context.Context, limitID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[limitID]
	if !ok {
		return fmt.Errorf("limit %s: %w", limitID, storage.ErrNotFound)
	}
	l.CurrentUsage += delta
	return nil
}

func (s *Store) UpsertTools(ctx context.Context, agentID string, tools []domain.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, ok := s.tools[agentID]
	if !ok {
		catalog = make(map[string]domain.ToolDefinition)
		s.tools[agentID] = catalog
	}
	for _, t := range tools {
		catalog[t.Name] = t
	}
	return nil
}

func (s *Store) ListTools(ctx context.Context, agentID string) ([]domain.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ToolDefinition, 0, len(s.tools[agentID]))
	for _, t := range s.tools[agentID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateInteraction(ctx context.Context, interaction *domain.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = time.Now()
	}
	cp := *interaction
	s.interactions = append(s.interactions, &cp)
	return nil
}

func (s *Store) GetInteraction(ctx context.Context, id string) (*domain.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, i := range s.interactions {
		if i.ID == id {
			cp := *i
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("interaction %s: %w", id, storage.ErrNotFound)
}

func (s *Store) ListInteractions(ctx context.Context, agentID string, limit int) ([]*domain.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Interaction
	for i := len(s.interactions) - 1; i >= 0; i-- {
		if agentID != "" && s.interactions[i].AgentID != agentID {
			continue
		}
		cp := *s.interactions[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) EnsureModelExists(ctx context.Context, name string, provider domain.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(provider) + "/" + name
	if _, ok := s.models[key]; !ok {
		s.models[key] = storage.Model{Name: name, Provider: provider, CreatedAt: time.Now()}
	}
	return nil
}

func (s *Store) ListModels(ctx context.Context) ([]storage.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) GetVirtualKeyByHash(ctx context.Context, hash string) (*domain.VirtualKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[hash]
	if !ok {
		return nil, fmt.Errorf("virtual key: %w", storage.ErrNotFound)
	}
	return &k, nil
}

func (s *Store) UpsertVirtualKey(ctx context.Context, key domain.VirtualKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.KeyHash] = key
	return nil
}

func (s *Store) Close() error {
	return nil
}
