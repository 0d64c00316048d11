// Package sqldb implements storage.Store on SQLite, PostgreSQL or MySQL
// through sqlx. MySQL DSNs need parseTime=true.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/storage/dialect"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is a SQL implementation of storage.Store that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// New opens the database, applies pragmas and creates the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite creates a SQLite store at path.
func NewSQLite(path string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: path})
}

// newWithDB wraps an existing connection without touching the schema.
func newWithDB(db *sqlx.DB, d dialect.Dialect) *Store {
	return &Store{db: db, dialect: d}
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	d := s.dialect
	key, text, boolean, ts, num := d.KeyType(), d.TextType(), d.BooleanType(), d.TimestampType(), d.RealType()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
id ` + key + ` PRIMARY KEY,
name ` + text + ` NOT NULL,
agent_type ` + key + ` NOT NULL,
is_default ` + boolean + ` NOT NULL DEFAULT FALSE,
consider_context_untrusted ` + boolean + ` NOT NULL DEFAULT FALSE,
identity_provider ` + text + `,
created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS agent_teams (
agent_id ` + key + ` NOT NULL,
team_id ` + key + ` NOT NULL,
PRIMARY KEY (agent_id, team_id)
)`,
		`CREATE TABLE IF NOT EXISTS tool_policies (
id ` + key + ` PRIMARY KEY,
agent_id ` + key + `,
team_id ` + key + `,
tool_name ` + key + ` NOT NULL,
conditions ` + text + ` NOT NULL,
action ` + key + ` NOT NULL,
reason ` + text + `
)`,
		`CREATE TABLE IF NOT EXISTS optimization_rules (
id ` + key + ` PRIMARY KEY,
agent_id ` + key + ` NOT NULL,
provider ` + key + ` NOT NULL,
max_content_length INTEGER,
has_tools ` + boolean + `,
target_model ` + text + ` NOT NULL,
priority INTEGER NOT NULL DEFAULT 0,
enabled ` + boolean + ` NOT NULL DEFAULT TRUE
)`,
		`CREATE TABLE IF NOT EXISTS usage_limits (
id ` + key + ` PRIMARY KEY,
entity_type ` + key + ` NOT NULL,
entity_id ` + key + ` NOT NULL,
limit_type ` + key + ` NOT NULL,
limit_value ` + num + ` NOT NULL,
current_usage ` + num + ` NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS tools (
agent_id ` + key + ` NOT NULL,
name ` + key + ` NOT NULL,
description ` + text + `,
parameters ` + text + `,
updated_at ` + ts + ` NOT NULL,
PRIMARY KEY (agent_id, name)
)`,
		`CREATE TABLE IF NOT EXISTS interactions (
id ` + key + ` PRIMARY KEY,
agent_id ` + key + ` NOT NULL,
execution_id ` + text + `,
provider ` + key + ` NOT NULL,
interaction_type ` + text + `,
status ` + key + ` NOT NULL,
streaming ` + boolean + ` NOT NULL DEFAULT FALSE,
baseline_model ` + text + `,
model ` + text + `,
request ` + text + `,
processed_request ` + text + `,
response ` + text + `,
input_tokens INTEGER NOT NULL DEFAULT 0,
output_tokens INTEGER NOT NULL DEFAULT 0,
baseline_cost ` + num + ` NOT NULL DEFAULT 0,
cost ` + num + ` NOT NULL DEFAULT 0,
toon_tokens_before INTEGER NOT NULL DEFAULT 0,
toon_tokens_after INTEGER NOT NULL DEFAULT 0,
toon_cost_savings ` + num + ` NOT NULL DEFAULT 0,
blocked_tool_name ` + text + `,
error_message ` + text + `,
duration_ms INTEGER NOT NULL DEFAULT 0,
created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS models (
provider ` + key + ` NOT NULL,
name ` + key + ` NOT NULL,
created_at ` + ts + ` NOT NULL,
PRIMARY KEY (provider, name)
)`,
		`CREATE TABLE IF NOT EXISTS virtual_keys (
id ` + key + ` PRIMARY KEY,
key_hash ` + key + ` NOT NULL UNIQUE,
provider ` + key + ` NOT NULL,
provider_api_key ` + text + ` NOT NULL,
base_url ` + text + `,
agent_id ` + key + `
)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	// Columns added after the first release.
	if err := s.runMigrations(); err != nil {
		return err
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; the primary keys above cover
	// its lookups.
	if d.Name() == string(dialect.MySQL) {
		return nil
	}
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tool_policies_agent ON tool_policies(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_policies_team ON tool_policies(team_id)`,
		`CREATE INDEX IF NOT EXISTS idx_optimization_rules_agent ON optimization_rules(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_limits_entity ON usage_limits(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_agent ON interactions(agent_id, created_at)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (s *Store) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"interactions", "external_agent_id", "ALTER TABLE interactions ADD COLUMN external_agent_id " + s.dialect.TextType()},
		{"interactions", "toon_skip_reason", "ALTER TABLE interactions ADD COLUMN toon_skip_reason " + s.dialect.TextType()},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	var count int
	err := s.db.QueryRow(s.dialect.Rebind(s.dialect.ColumnExistsQuery()), table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// in expands a query with an IN (?) clause and rebinds it.
func (s *Store) in(query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.dialect.Rebind(q), a, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}
