// Package dialect hides the SQL differences between the supported
// databases: placeholder style, column types, upserts and pragmas.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect is what the SQL store needs to know about its database.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// KeyType is the column type for indexed string keys.
	KeyType() string
	BooleanType() string
	TimestampType() string
	TextType() string
	RealType() string

	// UpsertClause returns the conflict clause appended to an INSERT.
	// conflictColumns is a comma-separated column list. With no update
	// columns the insert becomes a no-op on conflict.
	UpsertClause(conflictColumns string, updateColumns []string) string

	// PragmaStatements run once after the pool opens.
	PragmaStatements() []string

	// ColumnExistsQuery takes (table, column) and returns a count.
	ColumnExistsQuery() string
}

type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

type upsertStyle int

const (
	onConflict upsertStyle = iota
	onDuplicateKey
)

// columnTypes lists key, boolean, timestamp, text and real column types.
type columnTypes struct {
	key, boolean, timestamp, text, real string
}

// sqlDialect is one row of the dialect table.
type sqlDialect struct {
	name         string
	numbered     bool
	upsert       upsertStyle
	excluded     string
	types        columnTypes
	pragmas      []string
	columnExists string
}

var dialects = map[DialectType]*sqlDialect{
	SQLite: {
		name:     "sqlite",
		excluded: "excluded",
		types:    columnTypes{"TEXT", "INTEGER", "TIMESTAMP", "TEXT", "REAL"},
		pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
		},
		columnExists: `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
	},
	Postgres: {
		name:         "postgres",
		numbered:     true,
		excluded:     "EXCLUDED",
		types:        columnTypes{"TEXT", "BOOLEAN", "TIMESTAMP WITH TIME ZONE", "TEXT", "DOUBLE PRECISION"},
		columnExists: `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?`,
	},
	MySQL: {
		name:         "mysql",
		upsert:       onDuplicateKey,
		// keys are bounded so the column can be indexed
		types:        columnTypes{"VARCHAR(191)", "TINYINT(1)", "DATETIME(6)", "LONGTEXT", "DOUBLE"},
		columnExists: `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ? AND table_schema = DATABASE()`,
	},
}

// New returns the dialect for dialectType.
func New(dialectType DialectType) (Dialect, error) {
	if d, ok := dialects[dialectType]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
}

// FromDriverName maps a configured driver name, including common aliases,
// to its dialect.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return dialects[SQLite], nil
	case "postgres", "postgresql", "pq":
		return dialects[Postgres], nil
	case "mysql":
		return dialects[MySQL], nil
	}
	return nil, fmt.Errorf("unsupported driver: %s", driverName)
}

func (d *sqlDialect) Name() string { return d.name }
func (d *sqlDialect) DriverName() string { return d.name }
func (d *sqlDialect) KeyType() string { return d.types.key }
func (d *sqlDialect) BooleanType() string { return d.types.boolean }
func (d *sqlDialect) TimestampType() string { return d.types.timestamp }
func (d *sqlDialect) TextType() string { return d.types.text }
func (d *sqlDialect) RealType() string { return d.types.real }
func (d *sqlDialect) PragmaStatements() []string { return d.pragmas }
func (d *sqlDialect) ColumnExistsQuery() string { return d.columnExists }

func (d *sqlDialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch != '?' {
			b.WriteRune(ch)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (d *sqlDialect) UpsertClause(conflictColumns string, updateColumns []string) string {
	if d.upsert == onDuplicateKey {
		// MySQL resolves the conflict from whichever unique key fired
		if len(updateColumns) == 0 {
			return "ON DUPLICATE KEY UPDATE id = id"
		}
		sets := make([]string, len(updateColumns))
		for i, col := range updateColumns {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}

	// sqlite and postgres spell the same clause with different spacing
	target, eq := "ON CONFLICT(%s)", "%s=%s.%s"
	if d.numbered {
		target, eq = "ON CONFLICT (%s)", "%s = %s.%s"
	}
	target = fmt.Sprintf(target, conflictColumns)
	if len(updateColumns) == 0 {
		return target + " DO NOTHING"
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = fmt.Sprintf(eq, col, d.excluded, col)
	}
	return target + " DO UPDATE SET " + strings.Join(sets, ", ")
}
