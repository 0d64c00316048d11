package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

type agentRow struct {
	ID                       string         `db:"id"`
	Name                     string         `db:"name"`
	Type                     string         `db:"agent_type"`
	IsDefault                bool           `db:"is_default"`
	ConsiderContextUntrusted bool           `db:"consider_context_untrusted"`
	IdentityProvider         sql.NullString `db:"identity_provider"`
	CreatedAt                time.Time      `db:"created_at"`
}

const agentColumns = `id, name, agent_type, is_default, consider_context_untrusted, identity_provider, created_at`

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, s.dialect.Rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err, "agent "+id)
	}
	return s.loadAgent(ctx, row)
}

func (s *Store) GetDefaultAgent(ctx context.Context) (*domain.Agent, error) {
	var row agentRow
	query := s.dialect.Rebind(`SELECT ` + agentColumns + ` FROM agents WHERE is_default = ? ORDER BY created_at LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, true); err != nil {
		return nil, notFound(err, "default agent")
	}
	return s.loadAgent(ctx, row)
}

func (s *Store) loadAgent(ctx context.Context, row agentRow) (*domain.Agent, error) {
	agent := &domain.Agent{
		ID:                       row.ID,
		Name:                     row.Name,
		Type:                     domain.AgentType(row.Type),
		IsDefault:                row.IsDefault,
		ConsiderContextUntrusted: row.ConsiderContextUntrusted,
		CreatedAt:                row.CreatedAt,
	}
	if row.IdentityProvider.Valid && row.IdentityProvider.String != "" {
		var idp domain.IdentityProvider
		if err := json.Unmarshal([]byte(row.IdentityProvider.String), &idp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal identity provider: %w", err)
		}
		agent.IdentityProvider = &idp
	}

	query := s.dialect.Rebind(`SELECT team_id FROM agent_teams WHERE agent_id = ? ORDER BY team_id`)
	if err := s.db.SelectContext(ctx, &agent.TeamIDs, query, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load agent teams: %w", err)
	}
	return agent, nil
}

// UpsertAgent writes the agent and replaces its team memberships. Marking an
// agent default clears the flag on every other agent.
func (s *Store) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	var idp sql.NullString
	if agent.IdentityProvider != nil {
		b, err := json.Marshal(agent.IdentityProvider)
		if err != nil {
			return fmt.Errorf("failed to marshal identity provider: %w", err)
		}
		idp = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.Rebind(`INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause("id", []string{"name", "agent_type", "is_default", "consider_context_untrusted", "identity_provider"}))
	if _, err := tx.ExecContext(ctx, query, agent.ID, agent.Name, string(agent.Type), agent.IsDefault,
		agent.ConsiderContextUntrusted, idp, agent.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}

	if agent.IsDefault {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE agents SET is_default = ? WHERE id <> ?`), false, agent.ID); err != nil {
			return fmt.Errorf("failed to clear default agent: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM agent_teams WHERE agent_id = ?`), agent.ID); err != nil {
		return fmt.Errorf("failed to clear agent teams: %w", err)
	}
	insertTeam := s.dialect.Rebind(`INSERT INTO agent_teams (agent_id, team_id) VALUES (?, ?)`)
	for _, team := range agent.TeamIDs {
		if _, err := tx.ExecContext(ctx, insertTeam, agent.ID, team); err != nil {
			return fmt.Errorf("failed to insert agent team: %w", err)
		}
	}

	return tx.Commit()
}

type virtualKeyRow struct {
	ID             string         `db:"id"`
	KeyHash        string         `db:"key_hash"`
	Provider       string         `db:"provider"`
	ProviderAPIKey string         `db:"provider_api_key"`
	BaseURL        sql.NullString `db:"base_url"`
	AgentID        sql.NullString `db:"agent_id"`
}

func (s *Store) GetVirtualKeyByHash(ctx context.Context, hash string) (*domain.VirtualKey, error) {
	var row virtualKeyRow
	query := s.dialect.Rebind(`SELECT id, key_hash, provider, provider_api_key, base_url, agent_id FROM virtual_keys WHERE key_hash = ?`)
	if err := s.db.GetContext(ctx, &row, query, hash); err != nil {
		return nil, notFound(err, "virtual key")
	}
	return &domain.VirtualKey{
		ID:             row.ID,
		KeyHash:        row.KeyHash,
		Provider:       row.Provider,
		ProviderAPIKey: row.ProviderAPIKey,
		BaseURL:        row.BaseURL.String,
		AgentID:        row.AgentID.String,
	}, nil
}

func (s *Store) UpsertVirtualKey(ctx context.Context, key domain.VirtualKey) error {
	query := s.dialect.Rebind(`INSERT INTO virtual_keys (id, key_hash, provider, provider_api_key, base_url, agent_id)
VALUES (?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("id", []string{"key_hash", "provider", "provider_api_key", "base_url", "agent_id"}))
	_, err := s.db.ExecContext(ctx, query, key.ID, key.KeyHash, key.Provider, key.ProviderAPIKey,
		nullString(key.BaseURL), nullString(key.AgentID))
	if err != nil {
		return fmt.Errorf("failed to upsert virtual key: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
