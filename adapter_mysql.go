package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ER_QUERY_TIMEOUT, raised when MAX_EXECUTION_TIME expires.
const mysqlQueryTimeout = 3024

var (
	mysqlRawRules = append([]sqlPattern{
		{re: regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`), kind: ForbiddenStatement, desc: "INTO OUTFILE"},
		{re: regexp.MustCompile(`(?i)\bINTO\s+DUMPFILE\b`), kind: ForbiddenStatement, desc: "INTO DUMPFILE"},
		{re: regexp.MustCompile(`(?i)\bINTO\s+@`), kind: ForbiddenStatement, desc: "INTO @variable"},
	}, functionPatterns(
		"LOAD_FILE", "SLEEP", "BENCHMARK",
		"GET_LOCK", "RELEASE_LOCK", "RELEASE_ALL_LOCKS", "IS_FREE_LOCK", "IS_USED_LOCK",
		"WAIT_FOR_EXECUTED_GTID_SET", "WAIT_UNTIL_SQL_THREAD_AFTER_GTIDS",
		"MASTER_POS_WAIT", "SOURCE_POS_WAIT",
	)...)

	// REPLACE is only a statement at the start; REPLACE(str, from, to) is a
	// plain string function.
	mysqlCleanedRules = append(keywordPatterns(
		"CALL", "EXEC", "EXECUTE", "LOAD", "HANDLER", "DO", "LOCK", "UNLOCK", "FLUSH", "KILL",
	), sqlPattern{re: regexp.MustCompile(`(?i)^\s*REPLACE\b`), kind: ForbiddenStatement, desc: "REPLACE"})
)

// MySQLAdapter implements DBAdapter for MySQL databases.
type MySQLAdapter struct{}

func (a *MySQLAdapter) Dialect() string    { return "mysql" }
func (a *MySQLAdapter) DriverName() string { return "mysql" }
func (a *MySQLAdapter) ServerName() string { return "mysql-readonly-sql-gateway" }
func (a *MySQLAdapter) URIScheme() string  { return "mysql" }

func (a *MySQLAdapter) BuildDSN(cfg ConnectionConfig) (string, error) {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString, nil
	}

	err := missingFields(map[string]string{
		"host":     cfg.Host,
		"port":     portString(cfg.Port),
		"database": cfg.Database,
		"user":     cfg.User,
	}, "host", "port", "database", "user")
	if err != nil {
		return "", err
	}

	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	if cfg.SSLMode != "" && cfg.SSLMode != "disable" {
		mc.TLSConfig = "true"
	}
	return mc.FormatDSN(), nil
}

func (a *MySQLAdapter) DatabaseName(dsn string) string {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return ""
	}
	return mc.DBName
}

// DefaultSchema is the database named in the DSN; MySQL schemas and
// databases are the same thing.
func (a *MySQLAdapter) DefaultSchema(dsn string) string {
	return a.DatabaseName(dsn)
}

func (a *MySQLAdapter) SessionSetup(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	return []string{fmt.Sprintf("SET SESSION MAX_EXECUTION_TIME = %d", timeout.Milliseconds())}
}

func (a *MySQLAdapter) ServerSideTimeout() bool { return true }

func (a *MySQLAdapter) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{ReadOnly: true}
}

func (a *MySQLAdapter) ExplainQuery(stmt string) string {
	return "EXPLAIN FORMAT=JSON " + stmt
}

func (a *MySQLAdapter) IsStatementTimeout(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlQueryTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (a *MySQLAdapter) ListTablesQuery(schema string) (string, []any) {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name`, []any{schema}
}

func (a *MySQLAdapter) ColumnsQuery(schema, table string) (string, []any) {
	return `SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, []any{schema, table}
}

func (a *MySQLAdapter) ScanColumn(rows *sql.Rows) (ColumnInfo, error) {
	var col ColumnInfo
	var isNullable string
	var colDefault sql.NullString

	if err := rows.Scan(&col.Name, &col.Type, &isNullable, &colDefault); err != nil {
		return ColumnInfo{}, err
	}
	col.Nullable = strings.EqualFold(isNullable, "YES")
	if colDefault.Valid {
		col.DefaultValue = &colDefault.String
	}
	return col, nil
}

func (a *MySQLAdapter) ForeignKeysQuery(schema, table string) (string, []any) {
	return `SELECT column_name, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = ? AND table_name = ?
			AND referenced_table_schema = ? AND referenced_table_name IS NOT NULL
		ORDER BY constraint_name, ordinal_position`, []any{schema, table, schema}
}

func (a *MySQLAdapter) ScanForeignKey(rows *sql.Rows) (ForeignKeyInfo, error) {
	var fk ForeignKeyInfo
	if err := rows.Scan(&fk.Column, &fk.ReferencesTable, &fk.ReferencesColumn); err != nil {
		return ForeignKeyInfo{}, err
	}
	return fk, nil
}

func (a *MySQLAdapter) ValidateQuery(sqlQuery string, allowedTables []string) error {
	return validateWithHardening(a, sqlQuery, allowedTables, mysqlRawRules, mysqlCleanedRules)
}

// RemoveStringsAndComments supports # comments, backtick identifiers,
// double-quoted strings and backslash escaping.
func (a *MySQLAdapter) RemoveStringsAndComments(sql string) string {
	return stripStringsAndComments(sql, mysqlLexRules)
}
