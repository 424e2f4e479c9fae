package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	sqliteFunctionRules = functionPatterns(
		"load_extension", "readfile", "writefile", "edit", "fts3_tokenizer",
	)
	sqliteCleanedRules = append(keywordPatterns("ATTACH", "DETACH", "REINDEX", "VACUUM"),
		sqlPattern{re: regexp.MustCompile(`(?i)^\s*REPLACE\b`), kind: ForbiddenStatement, desc: "REPLACE"},
		sqlPattern{re: regexp.MustCompile(`(?i)\bPRAGMA\s+[\w.]+\s*=`), kind: ForbiddenStatement, desc: "PRAGMA write"},
	)
)

// SQLiteAdapter implements DBAdapter for SQLite databases.
type SQLiteAdapter struct{}

func (a *SQLiteAdapter) Dialect() string    { return "sqlite" }
func (a *SQLiteAdapter) DriverName() string { return "sqlite" }
func (a *SQLiteAdapter) ServerName() string { return "sqlite-readonly-sql-gateway" }
func (a *SQLiteAdapter) URIScheme() string  { return "sqlite" }

// BuildDSN opens the file through a URI filename with mode=ro. An explicit
// connection string is used as given.
func (a *SQLiteAdapter) BuildDSN(cfg ConnectionConfig) (string, error) {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString, nil
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("missing required connection settings: [database]")
	}

	path := cfg.Database
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	if !strings.Contains(path, "?") {
		return path + "?mode=ro", nil
	}
	if !strings.Contains(path, "mode=") {
		return path + "&mode=ro", nil
	}
	return path, nil
}

func (a *SQLiteAdapter) DatabaseName(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}
	name := filepath.Base(path)
	for _, ext := range []string{".db", ".sqlite3", ".sqlite"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

func (a *SQLiteAdapter) DefaultSchema(string) string { return "main" }

// SessionSetup has no timeout statement to issue; query_only makes the
// connection itself refuse writes.
func (a *SQLiteAdapter) SessionSetup(time.Duration) []string {
	return []string{"PRAGMA query_only = ON"}
}

func (a *SQLiteAdapter) ServerSideTimeout() bool { return false }

// TxOptions returns nil: SQLite has no read-only BEGIN, query_only covers it.
func (a *SQLiteAdapter) TxOptions() *sql.TxOptions { return nil }

func (a *SQLiteAdapter) ExplainQuery(stmt string) string {
	return "EXPLAIN QUERY PLAN " + stmt
}

func (a *SQLiteAdapter) IsStatementTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "interrupted")
}

func (a *SQLiteAdapter) ListTablesQuery(string) (string, []any) {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`, nil
}

func (a *SQLiteAdapter) ColumnsQuery(_, table string) (string, []any) {
	return `SELECT name, type, "notnull", dflt_value FROM pragma_table_info(?) ORDER BY cid`, []any{table}
}

func (a *SQLiteAdapter) ScanColumn(rows *sql.Rows) (ColumnInfo, error) {
	var col ColumnInfo
	var notNull int
	var dfltValue sql.NullString

	if err := rows.Scan(&col.Name, &col.Type, &notNull, &dfltValue); err != nil {
		return ColumnInfo{}, err
	}
	col.Nullable = notNull == 0
	if dfltValue.Valid {
		col.DefaultValue = &dfltValue.String
	}
	return col, nil
}

func (a *SQLiteAdapter) ForeignKeysQuery(_, table string) (string, []any) {
	return `SELECT "from", "table", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, []any{table}
}

// ScanForeignKey leaves ReferencesColumn empty when the constraint names
// only the parent table, which means the parent's primary key.
func (a *SQLiteAdapter) ScanForeignKey(rows *sql.Rows) (ForeignKeyInfo, error) {
	var fk ForeignKeyInfo
	var to sql.NullString
	if err := rows.Scan(&fk.Column, &fk.ReferencesTable, &to); err != nil {
		return ForeignKeyInfo{}, err
	}
	fk.ReferencesColumn = to.String
	return fk, nil
}

func (a *SQLiteAdapter) ValidateQuery(sqlQuery string, allowedTables []string) error {
	return validateWithHardening(a, sqlQuery, allowedTables, sqliteFunctionRules, sqliteCleanedRules)
}

// RemoveStringsAndComments supports backtick and [bracket] identifiers; no
// # comments and no backslash escaping.
func (a *SQLiteAdapter) RemoveStringsAndComments(sql string) string {
	return stripStringsAndComments(sql, sqliteLexRules)
}
