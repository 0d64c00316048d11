package sqldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage/dialect"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLDBStore_Agents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetDefaultAgent(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	first := &domain.Agent{ID: "a1", Name: "first", Type: domain.AgentTypeLLMProxy, IsDefault: true}
	second := &domain.Agent{
		ID:                       "a2",
		Name:                     "second",
		Type:                     domain.AgentTypeLLMProxy,
		IsDefault:                true,
		TeamIDs:                  []string{"t2", "t1"},
		ConsiderContextUntrusted: true,
		IdentityProvider:         &domain.IdentityProvider{Issuer: "https://issuer.example", Audience: "proxy"},
	}
	require.NoError(t, store.UpsertAgent(ctx, first))
	require.NoError(t, store.UpsertAgent(ctx, second))

	def, err := store.GetDefaultAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", def.ID)
	assert.Equal(t, []string{"t1", "t2"}, def.TeamIDs)
	assert.True(t, def.ConsiderContextUntrusted)
	require.NotNil(t, def.IdentityProvider)
	assert.Equal(t, "https://issuer.example", def.IdentityProvider.Issuer)

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, got.IsDefault, "a1 should lose the default flag")
	assert.Empty(t, got.TeamIDs)

	// Re-upserting replaces team membership.
	second.TeamIDs = []string{"t3"}
	require.NoError(t, store.UpsertAgent(ctx, second))
	got, err = store.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t3"}, got.TeamIDs)

	_, err = store.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLDBStore_ToolPolicies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	policies := []domain.ToolInvocationPolicy{
		{ID: "p1", AgentID: "a1", ToolName: "shell", Action: domain.ActionBlockAlways, Reason: "never"},
		{ID: "p2", TeamID: "t1", ToolName: "shell", Action: domain.ActionAllowWhenContextIsUntrusted,
			Conditions: []domain.Condition{{Key: "cmd", Operator: domain.OperatorStartsWith, Value: "ls"}}},
		{ID: "p3", AgentID: "other", ToolName: "shell", Action: domain.ActionBlockAlways},
	}
	for _, p := range policies {
		require.NoError(t, store.UpsertToolPolicy(ctx, p))
	}

	got, err := store.ListToolPolicies(ctx, "a1", []string{"t1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, "never", got[0].Reason)
	assert.True(t, got[0].IsDefault())
	assert.Equal(t, "p2", got[1].ID)
	assert.Equal(t, policies[1].Conditions, got[1].Conditions)

	got, err = store.ListToolPolicies(ctx, "a1", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
}

func TestSQLDBStore_OptimizationRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	maxLen := 500
	hasTools := false
	require.NoError(t, store.UpsertOptimizationRule(ctx, domain.OptimizationRule{
		ID: "r1", AgentID: "a1", Provider: "openai",
		MaxContentLength: &maxLen, HasTools: &hasTools,
		TargetModel: "gpt-4o-mini", Priority: 2, Enabled: true,
	}))
	require.NoError(t, store.UpsertOptimizationRule(ctx, domain.OptimizationRule{
		ID: "r2", AgentID: "a1", Provider: "anthropic", TargetModel: "claude-3-5-haiku",
	}))

	rules, err := store.ListOptimizationRules(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	require.NotNil(t, rules[0].MaxContentLength)
	assert.Equal(t, 500, *rules[0].MaxContentLength)
	require.NotNil(t, rules[0].HasTools)
	assert.False(t, *rules[0].HasTools)
	assert.True(t, rules[0].Enabled)

	assert.Nil(t, rules[1].MaxContentLength)
	assert.Nil(t, rules[1].HasTools)
	assert.False(t, rules[1].Enabled)
}

func TestSQLDBStore_UsageLimits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	limit := domain.UsageLimit{
		ID: "l1", EntityType: domain.LimitEntityTeam, EntityID: "t1",
		LimitType: domain.LimitTypeTokenCost, LimitValue: 10,
	}
	require.NoError(t, store.UpsertUsageLimit(ctx, limit))
	require.NoError(t, store.UpsertUsageLimit(ctx, domain.UsageLimit{
		ID: "l2", EntityType: domain.LimitEntityAgent, EntityID: "a1",
		LimitType: domain.LimitTypeTokenCount, LimitValue: 1000,
	}))
	require.NoError(t, store.IncrementUsage(ctx, "l1", 2.5))
	require.NoError(t, store.IncrementUsage(ctx, "l1", 1.5))

	limit.LimitValue = 20
	require.NoError(t, store.UpsertUsageLimit(ctx, limit))

	got, err := store.ListUsageLimits(ctx, "a1", []string{"t1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "l1", got[0].ID)
	assert.InDelta(t, 4.0, got[0].CurrentUsage, 1e-9)
	assert.InDelta(t, 20.0, got[0].LimitValue, 1e-9)

	got, err = store.ListUsageLimits(ctx, "a1", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "l2", got[0].ID)

	assert.ErrorIs(t, store.IncrementUsage(ctx, "missing", 1), storage.ErrNotFound)
}

func TestSQLDBStore_ToolsAndModels(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertTools(ctx, "a1", []domain.ToolDefinition{
		{Name: "search", Description: "web search", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "calc"},
	}))
	require.NoError(t, store.UpsertTools(ctx, "a1", []domain.ToolDefinition{{Name: "calc", Description: "math"}}))

	tools, err := store.ListTools(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "calc", tools[0].Name)
	assert.Equal(t, "math", tools[0].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(tools[1].Parameters))

	for i := 0; i < 2; i++ {
		require.NoError(t, store.EnsureModelExists(ctx, "gpt-4o", domain.ProviderOpenAI))
	}
	require.NoError(t, store.EnsureModelExists(ctx, "gemini-2.0-flash", domain.ProviderGemini))

	models, err := store.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, domain.ProviderGemini, models[0].Provider)
}

func TestSQLDBStore_Interactions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for n, id := range []string{"i1", "i2", "i3"} {
		require.NoError(t, store.CreateInteraction(ctx, &domain.Interaction{
			ID:              id,
			AgentID:         "a1",
			ExecutionID:     "exec-1",
			ExternalAgentID: "ext",
			Provider:        domain.ProviderOpenAI,
			Type:            "openai:chatCompletions",
			Status:          domain.InteractionRefused,
			Streaming:       true,
			BaselineModel:   "gpt-4o",
			Model:           "gpt-4o-mini",
			Request:         json.RawMessage(`{"model":"gpt-4o"}`),
			InputTokens:     10,
			OutputTokens:    5,
			Cost:            0.25,
			TOONSkipReason:  "not_enabled",
			BlockedToolName: "shell",
			Duration:        1500 * time.Millisecond,
			CreatedAt:       base.Add(time.Duration(n) * time.Minute),
		}))
	}

	got, err := store.GetInteraction(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "ext", got.ExternalAgentID)
	assert.Equal(t, domain.InteractionRefused, got.Status)
	assert.True(t, got.Streaming)
	assert.JSONEq(t, `{"model":"gpt-4o"}`, string(got.Request))
	assert.Nil(t, got.Response)
	assert.Equal(t, "shell", got.BlockedToolName)
	assert.Equal(t, "not_enabled", got.TOONSkipReason)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)

	list, err := store.ListInteractions(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "i3", list[0].ID)
	assert.Equal(t, "i2", list[1].ID)

	_, err = store.GetInteraction(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLDBStore_Migrations(t *testing.T) {
	store := newTestStore(t)

	for _, col := range []string{"external_agent_id", "toon_skip_reason"} {
		ok, err := store.columnExists("interactions", col)
		require.NoError(t, err)
		assert.True(t, ok, col)
	}

	// Running the schema a second time is a no-op.
	require.NoError(t, store.initSchema())
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d, err := dialect.New(dialect.SQLite)
	require.NoError(t, err)
	return newWithDB(sqlx.NewDb(db, "sqlite"), d), mock
}

func TestSQLDBStore_UpsertAgentRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agents").
		WithArgs("a1", "agent", "llm_proxy", true, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE agents SET is_default").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.UpsertAgent(context.Background(), &domain.Agent{
		ID: "a1", Name: "agent", Type: domain.AgentTypeLLMProxy, IsDefault: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to clear default agent")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDBStore_IncrementUsageQuery(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE usage_limits SET current_usage = current_usage \+ \? WHERE id = \?`).
		WithArgs(0.5, "l1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE usage_limits").
		WithArgs(1.0, "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.IncrementUsage(context.Background(), "l1", 0.5))
	assert.ErrorIs(t, store.IncrementUsage(context.Background(), "gone", 1), storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDBStore_ListPoliciesError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, agent_id, team_id").
		WithArgs("a1", "t1", "t2").
		WillReturnError(errors.New("connection reset"))

	_, err := store.ListToolPolicies(context.Background(), "a1", []string{"t1", "t2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
