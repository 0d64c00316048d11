package dialect

import (
	"strings"
	"testing"
)

func mustDialect(t *testing.T, name string) Dialect {
	t.Helper()
	d, err := FromDriverName(name)
	if err != nil {
		t.Fatalf("FromDriverName(%q): %v", name, err)
	}
	return d
}

func TestFromDriverName(t *testing.T) {
	tests := map[string]string{
		"sqlite":     "sqlite",
		"SQLite3":    "sqlite",
		"postgres":   "postgres",
		"postgresql": "postgres",
		"pq":         "postgres",
		"MySQL":      "mysql",
	}
	for driver, want := range tests {
		if got := mustDialect(t, driver).Name(); got != want {
			t.Errorf("FromDriverName(%q).Name() = %q, want %q", driver, got, want)
		}
	}

	if _, err := FromDriverName("oracle"); err == nil {
		t.Error("Expected error for unsupported driver")
	}
	if _, err := New(DialectType("oracle")); err == nil {
		t.Error("Expected error for unsupported dialect")
	}
	for _, dt := range []DialectType{SQLite, Postgres, MySQL} {
		d, err := New(dt)
		if err != nil || d.Name() != string(dt) || d.DriverName() != string(dt) {
			t.Errorf("New(%s) = %v, %v", dt, d, err)
		}
	}
}

func TestRebind_VirtualKeyLookup(t *testing.T) {
	query := `SELECT id FROM virtual_keys WHERE key_hash = ? AND provider = ?`
	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", query},
		{"mysql", query},
		{"postgres", `SELECT id FROM virtual_keys WHERE key_hash = $1 AND provider = $2`},
	}
	for _, tt := range tests {
		if got := mustDialect(t, tt.driver).Rebind(query); got != tt.want {
			t.Errorf("%s: Rebind() = %q, want %q", tt.driver, got, tt.want)
		}
	}

	// usage limit increments bind many values in one statement
	long := mustDialect(t, "postgres").Rebind(strings.Repeat("?,", 11) + "?")
	if !strings.HasSuffix(long, "$11,$12") {
		t.Errorf("Rebind() = %q, want placeholders up to $12", long)
	}
}

func TestUpsertClause(t *testing.T) {
	cols := []string{"limit_value", "current_usage"}
	tests := []struct {
		driver string
		cols   []string
		want   string
	}{
		{"sqlite", cols, "ON CONFLICT(id) DO UPDATE SET limit_value=excluded.limit_value, current_usage=excluded.current_usage"},
		{"sqlite", nil, "ON CONFLICT(id) DO NOTHING"},
		{"postgres", cols, "ON CONFLICT (id) DO UPDATE SET limit_value = EXCLUDED.limit_value, current_usage = EXCLUDED.current_usage"},
		{"postgres", nil, "ON CONFLICT (id) DO NOTHING"},
		{"mysql", cols, "ON DUPLICATE KEY UPDATE limit_value = VALUES(limit_value), current_usage = VALUES(current_usage)"},
		{"mysql", nil, "ON DUPLICATE KEY UPDATE id = id"},
	}
	for _, tt := range tests {
		if got := mustDialect(t, tt.driver).UpsertClause("id", tt.cols); got != tt.want {
			t.Errorf("%s UpsertClause(%v) =\n  %q\nwant\n  %q", tt.driver, tt.cols, got, tt.want)
		}
	}

	// agent_teams is keyed on two columns
	got := mustDialect(t, "postgres").UpsertClause("agent_id, team_id", nil)
	if got != "ON CONFLICT (agent_id, team_id) DO NOTHING" {
		t.Errorf("composite UpsertClause() = %q", got)
	}
}

func TestColumnTypes(t *testing.T) {
	tests := []struct {
		driver                              string
		key, boolean, timestamp, text, real string
	}{
		{"sqlite", "TEXT", "INTEGER", "TIMESTAMP", "TEXT", "REAL"},
		{"postgres", "TEXT", "BOOLEAN", "TIMESTAMP WITH TIME ZONE", "TEXT", "DOUBLE PRECISION"},
		{"mysql", "VARCHAR(191)", "TINYINT(1)", "DATETIME(6)", "LONGTEXT", "DOUBLE"},
	}
	for _, tt := range tests {
		d := mustDialect(t, tt.driver)
		got := []string{d.KeyType(), d.BooleanType(), d.TimestampType(), d.TextType(), d.RealType()}
		want := []string{tt.key, tt.boolean, tt.timestamp, tt.text, tt.real}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("%s: column type %d = %q, want %q", tt.driver, i, got[i], want[i])
			}
		}
	}
}

func TestColumnExistsQuery(t *testing.T) {
	if q := mustDialect(t, "sqlite").ColumnExistsQuery(); !strings.Contains(q, "pragma_table_info") {
		t.Errorf("sqlite query = %q", q)
	}
	pg := mustDialect(t, "postgres")
	if q := pg.Rebind(pg.ColumnExistsQuery()); !strings.Contains(q, "table_name = $1 AND column_name = $2") {
		t.Errorf("postgres query = %q", q)
	}
	if q := mustDialect(t, "mysql").ColumnExistsQuery(); !strings.Contains(q, "DATABASE()") {
		t.Errorf("mysql query should be scoped to the current schema: %q", q)
	}
}

func TestPragmaStatements(t *testing.T) {
	pragmas := mustDialect(t, "sqlite").PragmaStatements()
	if len(pragmas) == 0 || pragmas[0] != "PRAGMA journal_mode=WAL" {
		t.Errorf("sqlite pragmas = %v", pragmas)
	}
	for _, driver := range []string{"postgres", "mysql"} {
		if p := mustDialect(t, driver).PragmaStatements(); len(p) != 0 {
			t.Errorf("%s pragmas = %v, want none", driver, p)
		}
	}
}
