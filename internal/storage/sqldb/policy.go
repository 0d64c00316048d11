package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
)

type policyRow struct {
	ID         string         `db:"id"`
	AgentID    sql.NullString `db:"agent_id"`
	TeamID     sql.NullString `db:"team_id"`
	ToolName   string         `db:"tool_name"`
	Conditions string         `db:"conditions"`
	Action     string         `db:"action"`
	Reason     sql.NullString `db:"reason"`
}

func (r policyRow) toDomain() (domain.ToolInvocationPolicy, error) {
	p := domain.ToolInvocationPolicy{
		ID:       r.ID,
		AgentID:  r.AgentID.String,
		TeamID:   r.TeamID.String,
		ToolName: r.ToolName,
		Action:   domain.PolicyAction(r.Action),
		Reason:   r.Reason.String,
	}
	if r.Conditions != "" {
		if err := json.Unmarshal([]byte(r.Conditions), &p.Conditions); err != nil {
			return p, fmt.Errorf("failed to unmarshal conditions for policy %s: %w", r.ID, err)
		}
	}
	return p, nil
}

func (s *Store) ListToolPolicies(ctx context.Context, agentID string, teamIDs []string) ([]domain.ToolInvocationPolicy, error) {
	const columns = `SELECT id, agent_id, team_id, tool_name, conditions, action, reason FROM tool_policies`
	var (
		query string
		args  []any
		err   error
	)
	if len(teamIDs) == 0 {
		query, args = s.dialect.Rebind(columns+` WHERE agent_id = ? ORDER BY id`), []any{agentID}
	} else {
		query, args, err = s.in(columns+` WHERE agent_id = ? OR team_id IN (?) ORDER BY id`, agentID, teamIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to build policy query: %w", err)
		}
	}

	var rows []policyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tool policies: %w", err)
	}
	out := make([]domain.ToolInvocationPolicy, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) UpsertToolPolicy(ctx context.Context, policy domain.ToolInvocationPolicy) error {
	conditions := policy.Conditions
	if conditions == nil {
		conditions = []domain.Condition{}
	}
	b, err := json.Marshal(conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO tool_policies (id, agent_id, team_id, tool_name, conditions, action, reason)
VALUES (?, ?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("id", []string{"agent_id", "team_id", "tool_name", "conditions", "action", "reason"}))
	_, err = s.db.ExecContext(ctx, query, policy.ID, nullString(policy.AgentID), nullString(policy.TeamID),
		policy.ToolName, string(b), string(policy.Action), nullString(policy.Reason))
	if err != nil {
		return fmt.Errorf("failed to upsert tool policy: %w", err)
	}
	return nil
}

type ruleRow struct {
	ID               string        `db:"id"`
	AgentID          string        `db:"agent_id"`
	Provider         string        `db:"provider"`
	MaxContentLength sql.NullInt64 `db:"max_content_length"`
	HasTools         sql.NullBool  `db:"has_tools"`
	TargetModel      string        `db:"target_model"`
	Priority         int           `db:"priority"`
	Enabled          bool          `db:"enabled"`
}

func (s *Store) ListOptimizationRules(ctx context.Context, agentID string) ([]domain.OptimizationRule, error) {
	var rows []ruleRow
	query := s.dialect.Rebind(`SELECT id, agent_id, provider, max_content_length, has_tools, target_model, priority, enabled
FROM optimization_rules WHERE agent_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &rows, query, agentID); err != nil {
		return nil, fmt.Errorf("failed to list optimization rules: %w", err)
	}

	out := make([]domain.OptimizationRule, 0, len(rows))
	for _, r := range rows {
		rule := domain.OptimizationRule{
			ID:          r.ID,
			AgentID:     r.AgentID,
			Provider:    r.Provider,
			TargetModel: r.TargetModel,
			Priority:    r.Priority,
			Enabled:     r.Enabled,
		}
		if r.MaxContentLength.Valid {
			n := int(r.MaxContentLength.Int64)
			rule.MaxContentLength = &n
		}
		if r.HasTools.Valid {
			b := r.HasTools.Bool
			rule.HasTools = &b
		}
		out = append(out, rule)
	}
	return out, nil
}

func (s *Store) UpsertOptimizationRule(ctx context.Context, rule domain.OptimizationRule) error {
	var maxLen sql.NullInt64
	if rule.MaxContentLength != nil {
		maxLen = sql.NullInt64{Int64: int64(*rule.MaxContentLength), Valid: true}
	}
	var hasTools sql.NullBool
	if rule.HasTools != nil {
		hasTools = sql.NullBool{Bool: *rule.HasTools, Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO optimization_rules (id, agent_id, provider, max_content_length, has_tools, target_model, priority, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("id",
		[]string{"agent_id", "provider", "max_content_length", "has_tools", "target_model", "priority", "enabled"}))
	_, err := s.db.ExecContext(ctx, query, rule.ID, rule.AgentID, rule.Provider, maxLen, hasTools,
		rule.TargetModel, rule.Priority, rule.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert optimization rule: %w", err)
	}
	return nil
}

func (s *Store) ListUsageLimits(ctx context.Context, agentID string, teamIDs []string) ([]domain.UsageLimit, error) {
	const columns = `SELECT id, entity_type, entity_id, limit_type, limit_value, current_usage FROM usage_limits`
	var (
		query string
		args  []any
		err   error
	)
	if len(teamIDs) == 0 {
		query = s.dialect.Rebind(columns + ` WHERE entity_type = ? AND entity_id = ? ORDER BY id`)
		args = []any{string(domain.LimitEntityAgent), agentID}
	} else {
		query, args, err = s.in(columns+` WHERE (entity_type = ? AND entity_id = ?) OR (entity_type = ? AND entity_id IN (?)) ORDER BY id`,
			string(domain.LimitEntityAgent), agentID, string(domain.LimitEntityTeam), teamIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to build limit query: %w", err)
		}
	}

	var limits []domain.UsageLimit
	if err := s.db.SelectContext(ctx, &limits, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list usage limits: %w", err)
	}
	return limits, nil
}

// UpsertUsageLimit leaves current_usage untouched on existing rows.
func (s *Store) UpsertUsageLimit(ctx context.Context, limit domain.UsageLimit) error {
	query := s.dialect.Rebind(`INSERT INTO usage_limits (id, entity_type, entity_id, limit_type, limit_value, current_usage)
VALUES (?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("id", []string{"entity_type", "entity_id", "limit_type", "limit_value"}))
	_, err := s.db.ExecContext(ctx, query, limit.ID, string(limit.EntityType), limit.EntityID,
		string(limit.LimitType), limit.LimitValue, limit.CurrentUsage)
	if err != nil {
		return fmt.Errorf("failed to upsert usage limit: %w", err)
	}
	return nil
}

func (s *Store) IncrementUsage(ctx context.Context, limitID string, delta float64) error {
	query := s.dialect.Rebind(`UPDATE usage_limits SET current_usage = current_usage + ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, delta, limitID)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("limit %s: %w", limitID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) UpsertTools(ctx context.Context, agentID string, tools []domain.ToolDefinition) error {
	if len(tools) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.Rebind(`INSERT INTO tools (agent_id, name, description, parameters, updated_at)
VALUES (?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("agent_id, name", []string{"description", "parameters", "updated_at"}))
	now := time.Now()
	for _, t := range tools {
		if _, err := tx.ExecContext(ctx, query, agentID, t.Name, nullString(t.Description), nullString(string(t.Parameters)), now); err != nil {
			return fmt.Errorf("failed to upsert tool %s: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListTools(ctx context.Context, agentID string) ([]domain.ToolDefinition, error) {
	var rows []struct {
		Name        string         `db:"name"`
		Description sql.NullString `db:"description"`
		Parameters  sql.NullString `db:"parameters"`
	}
	query := s.dialect.Rebind(`SELECT name, description, parameters FROM tools WHERE agent_id = ? ORDER BY name`)
	if err := s.db.SelectContext(ctx, &rows, query, agentID); err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	out := make([]domain.ToolDefinition, 0, len(rows))
	for _, r := range rows {
		t := domain.ToolDefinition{Name: r.Name, Description: r.Description.String}
		if r.Parameters.Valid && r.Parameters.String != "" {
			t.Parameters = json.RawMessage(r.Parameters.String)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) EnsureModelExists(ctx context.Context, name string, provider domain.Provider) error {
	query := s.dialect.Rebind(`INSERT INTO models (provider, name, created_at) VALUES (?, ?, ?) ` +
		s.dialect.UpsertClause("provider, name", []string{"provider"}))
	if _, err := s.db.ExecContext(ctx, query, string(provider), name, time.Now()); err != nil {
		return fmt.Errorf("failed to register model: %w", err)
	}
	return nil
}

func (s *Store) ListModels(ctx context.Context) ([]storage.Model, error) {
	var models []storage.Model
	if err := s.db.SelectContext(ctx, &models, `SELECT name, provider, created_at FROM models ORDER BY provider, name`); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return models, nil
}
