package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

type interactionRow struct {
	ID               string         `db:"id"`
	AgentID          string         `db:"agent_id"`
	ExecutionID      sql.NullString `db:"execution_id"`
	ExternalAgentID  sql.NullString `db:"external_agent_id"`
	Provider         string         `db:"provider"`
	Type             sql.NullString `db:"interaction_type"`
	Status           string         `db:"status"`
	Streaming        bool           `db:"streaming"`
	BaselineModel    sql.NullString `db:"baseline_model"`
	Model            sql.NullString `db:"model"`
	Request          sql.NullString `db:"request"`
	ProcessedRequest sql.NullString `db:"processed_request"`
	Response         sql.NullString `db:"response"`
	InputTokens      int            `db:"input_tokens"`
	OutputTokens     int            `db:"output_tokens"`
	BaselineCost     float64        `db:"baseline_cost"`
	Cost             float64        `db:"cost"`
	TOONTokensBefore int            `db:"toon_tokens_before"`
	TOONTokensAfter  int            `db:"toon_tokens_after"`
	TOONCostSavings  float64        `db:"toon_cost_savings"`
	TOONSkipReason   sql.NullString `db:"toon_skip_reason"`
	BlockedToolName  sql.NullString `db:"blocked_tool_name"`
	ErrorMessage     sql.NullString `db:"error_message"`
	DurationMS       int64          `db:"duration_ms"`
	CreatedAt        time.Time      `db:"created_at"`
}

const interactionColumns = `id, agent_id, execution_id, external_agent_id, provider, interaction_type, status, streaming,
baseline_model, model, request, processed_request, response, input_tokens, output_tokens, baseline_cost, cost,
toon_tokens_before, toon_tokens_after, toon_cost_savings, toon_skip_reason, blocked_tool_name, error_message,
duration_ms, created_at`

func rawString(b json.RawMessage) sql.NullString {
	return nullString(string(b))
}

func rawMessage(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func (r interactionRow) toDomain() *domain.Interaction {
	return &domain.Interaction{
		ID:               r.ID,
		AgentID:          r.AgentID,
		ExecutionID:      r.ExecutionID.String,
		ExternalAgentID:  r.ExternalAgentID.String,
		Provider:         domain.Provider(r.Provider),
		Type:             r.Type.String,
		Status:           domain.InteractionStatus(r.Status),
		Streaming:        r.Streaming,
		BaselineModel:    r.BaselineModel.String,
		Model:            r.Model.String,
		Request:          rawMessage(r.Request),
		ProcessedRequest: rawMessage(r.ProcessedRequest),
		Response:         rawMessage(r.Response),
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		BaselineCost:     r.BaselineCost,
		Cost:             r.Cost,
		TOONTokensBefore: r.TOONTokensBefore,
		TOONTokensAfter:  r.TOONTokensAfter,
		TOONCostSavings:  r.TOONCostSavings,
		TOONSkipReason:   r.TOONSkipReason.String,
		BlockedToolName:  r.BlockedToolName.String,
		ErrorMessage:     r.ErrorMessage.String,
		Duration:         time.Duration(r.DurationMS) * time.Millisecond,
		CreatedAt:        r.CreatedAt,
	}
}

func (s *Store) CreateInteraction(ctx context.Context, i *domain.Interaction) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	row := interactionRow{
		ID:               i.ID,
		AgentID:          i.AgentID,
		ExecutionID:      nullString(i.ExecutionID),
		ExternalAgentID:  nullString(i.ExternalAgentID),
		Provider:         string(i.Provider),
		Type:             nullString(i.Type),
		Status:           string(i.Status),
		Streaming:        i.Streaming,
		BaselineModel:    nullString(i.BaselineModel),
		Model:            nullString(i.Model),
		Request:          rawString(i.Request),
		ProcessedRequest: rawString(i.ProcessedRequest),
		Response:         rawString(i.Response),
		InputTokens:      i.InputTokens,
		OutputTokens:     i.OutputTokens,
		BaselineCost:     i.BaselineCost,
		Cost:             i.Cost,
		TOONTokensBefore: i.TOONTokensBefore,
		TOONTokensAfter:  i.TOONTokensAfter,
		TOONCostSavings:  i.TOONCostSavings,
		TOONSkipReason:   nullString(i.TOONSkipReason),
		BlockedToolName:  nullString(i.BlockedToolName),
		ErrorMessage:     nullString(i.ErrorMessage),
		DurationMS:       i.Duration.Milliseconds(),
		CreatedAt:        i.CreatedAt,
	}

	query := `INSERT INTO interactions (` + interactionColumns + `) VALUES (
:id, :agent_id, :execution_id, :external_agent_id, :provider, :interaction_type, :status, :streaming,
:baseline_model, :model, :request, :processed_request, :response, :input_tokens, :output_tokens, :baseline_cost, :cost,
:toon_tokens_before, :toon_tokens_after, :toon_cost_savings, :toon_skip_reason, :blocked_tool_name, :error_message,
:duration_ms, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create interaction: %w", err)
	}
	return nil
}

func (s *Store) GetInteraction(ctx context.Context, id string) (*domain.Interaction, error) {
	var row interactionRow
	query := s.dialect.Rebind(`SELECT ` + interactionColumns + ` FROM interactions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err, "interaction "+id)
	}
	return row.toDomain(), nil
}

// ListInteractions returns newest first. An empty agentID lists every agent;
// a non-positive limit returns all rows.
func (s *Store) ListInteractions(ctx context.Context, agentID string, limit int) ([]*domain.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []interactionRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	out := make([]*domain.Interaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
