package main

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DBAdapter defines the contract for database-specific behavior.
// Each supported database (PostgreSQL, MySQL, SQLite) implements this interface.
type DBAdapter interface {
	// Dialect returns the configuration name of the dialect ("postgres", "mysql", "sqlite").
	Dialect() string

	// DriverName returns the database/sql driver name (e.g., "postgres", "pgx", "mysql", "sqlite").
	DriverName() string

	// ServerName returns the MCP server name for this adapter.
	ServerName() string

	// URIScheme returns the resource URI scheme (e.g., "mysql", "postgres", "sqlite").
	URIScheme() string

	// BuildDSN constructs a DSN from the connection configuration.
	BuildDSN(cfg ConnectionConfig) (string, error)

	// DatabaseName extracts the database/file name from a DSN string.
	DatabaseName(dsn string) string

	// DefaultSchema is the schema introspected when none is configured.
	DefaultSchema(dsn string) string

	// SessionSetup returns the statements run on a freshly acquired
	// connection before its transaction begins.
	SessionSetup(timeout time.Duration) []string

	// ServerSideTimeout reports whether SessionSetup installs a server
	// enforced statement timeout. When false the executor bounds the call
	// with a context deadline instead.
	ServerSideTimeout() bool

	// TxOptions returns the options for the read-only transaction.
	TxOptions() *sql.TxOptions

	// ExplainQuery wraps an already normalized statement in the dialect's EXPLAIN form.
	ExplainQuery(stmt string) string

	// IsStatementTimeout classifies a driver error as a statement timeout.
	IsStatementTimeout(err error) bool

	// ListTablesQuery returns the SQL query and arguments listing base tables, ordered by name.
	ListTablesQuery(schema string) (string, []any)

	// ColumnsQuery returns the SQL query and arguments reading a table's columns in physical order.
	ColumnsQuery(schema, table string) (string, []any)

	// ScanColumn scans a single row from the columns query.
	ScanColumn(rows *sql.Rows) (ColumnInfo, error)

	// ForeignKeysQuery returns the SQL query and arguments reading a table's foreign keys.
	ForeignKeysQuery(schema, table string) (string, []any)

	// ScanForeignKey scans a single row from the foreign keys query.
	ScanForeignKey(rows *sql.Rows) (ForeignKeyInfo, error)

	// ValidateQuery validates that a SQL query is safe and read-only.
	ValidateQuery(sql string, allowedTables []string) error

	// RemoveStringsAndComments strips string literals and comments from SQL
	// for safe keyword detection.
	RemoveStringsAndComments(sql string) string
}

// NewAdapter returns the adapter for a dialect. driver selects the
// PostgreSQL driver ("postgres" for lib/pq, "pgx" for pgx) and is ignored
// by the other dialects.
func NewAdapter(dialect, driver string) (DBAdapter, error) {
	switch strings.ToLower(dialect) {
	case "postgres", "postgresql", "":
		switch driver {
		case "", "postgres", "pq":
			return &PostgresAdapter{driver: "postgres"}, nil
		case "pgx":
			return &PostgresAdapter{driver: "pgx"}, nil
		default:
			return nil, fmt.Errorf("unsupported postgres driver: %s", driver)
		}
	case "mysql", "mariadb":
		return &MySQLAdapter{}, nil
	case "sqlite", "sqlite3":
		return &SQLiteAdapter{}, nil
	default:
		return nil, fmt.Errorf("unsupported database dialect: %s", dialect)
	}
}

// SupportedDialects lists the dialect names accepted by NewAdapter.
func SupportedDialects() []string {
	return []string{"postgres", "mysql", "sqlite"}
}

// missingFields mirrors the "missing required ..." check every adapter runs
// on discrete connection parameters.
func missingFields(fields map[string]string, order ...string) error {
	var missing []string
	for _, name := range order {
		if fields[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required connection settings: %v", missing)
	}
	return nil
}
