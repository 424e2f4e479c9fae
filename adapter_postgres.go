package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// SQLSTATE query_canceled, raised when statement_timeout expires.
const pgQueryCanceled = "57014"

var (
	postgresFunctionRules = functionPatterns(
		"pg_sleep", "pg_sleep_for", "pg_sleep_until",
		"pg_advisory_lock", "pg_advisory_xact_lock", "pg_try_advisory_lock",
		"pg_read_file", "pg_read_binary_file", "pg_ls_dir",
		"lo_import", "lo_export",
		"set_config", "dblink", "dblink_exec",
	)
	postgresKeywordRules = keywordPatterns(
		"CALL", "EXECUTE", "LISTEN", "NOTIFY", "PREPARE", "DEALLOCATE",
		"VACUUM", "REINDEX", "CLUSTER", "LOCK", "DISCARD", "REFRESH",
	)
)

// PostgresAdapter implements DBAdapter for PostgreSQL databases, through
// either lib/pq ("postgres") or pgx's database/sql driver ("pgx").
type PostgresAdapter struct {
	driver string
}

func (a *PostgresAdapter) Dialect() string { return "postgres" }
func (a *PostgresAdapter) DriverName() string {
	if a.driver == "" {
		return "postgres"
	}
	return a.driver
}
func (a *PostgresAdapter) ServerName() string { return "postgres-readonly-sql-gateway" }
func (a *PostgresAdapter) URIScheme() string  { return "postgres" }

func (a *PostgresAdapter) BuildDSN(cfg ConnectionConfig) (string, error) {
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

	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": []string{sslmode}}.Encode(),
	}
	return u.String(), nil
}

// DatabaseName accepts both URL ("postgres://.../db") and keyword/value
// ("host=... dbname=db") connection strings.
func (a *PostgresAdapter) DatabaseName(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		return strings.TrimPrefix(u.Path, "/")
	}
	for _, field := range strings.Fields(dsn) {
		if name, ok := strings.CutPrefix(field, "dbname="); ok {
			return strings.Trim(name, "'")
		}
	}
	return ""
}

func (a *PostgresAdapter) DefaultSchema(string) string { return "public" }

func (a *PostgresAdapter) SessionSetup(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	return []string{fmt.Sprintf("SET statement_timeout = %d", timeout.Milliseconds())}
}

func (a *PostgresAdapter) ServerSideTimeout() bool { return true }

func (a *PostgresAdapter) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{ReadOnly: true}
}

func (a *PostgresAdapter) ExplainQuery(stmt string) string {
	return "EXPLAIN (ANALYZE, FORMAT JSON) " + stmt
}

func (a *PostgresAdapter) IsStatementTimeout(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgQueryCanceled
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgQueryCanceled
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (a *PostgresAdapter) ListTablesQuery(schema string) (string, []any) {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, []any{schema}
}

func (a *PostgresAdapter) ColumnsQuery(schema, table string) (string, []any) {
	return `SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, []any{schema, table}
}

func (a *PostgresAdapter) ScanColumn(rows *sql.Rows) (ColumnInfo, error) {
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

// ForeignKeysQuery reads pg_constraint rather than
// information_schema.constraint_column_usage, which hides referenced tables
// the current role does not own.
func (a *PostgresAdapter) ForeignKeysQuery(schema, table string) (string, []any) {
	return `SELECT att.attname, ref.relname, refatt.attname
		FROM pg_catalog.pg_constraint con
		JOIN pg_catalog.pg_class rel ON rel.oid = con.conrelid
		JOIN pg_catalog.pg_namespace nsp ON nsp.oid = rel.relnamespace
		JOIN pg_catalog.pg_class ref ON ref.oid = con.confrelid
		CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS cols(attnum, refattnum, ord)
		JOIN pg_catalog.pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = cols.attnum
		JOIN pg_catalog.pg_attribute refatt ON refatt.attrelid = con.confrelid AND refatt.attnum = cols.refattnum
		WHERE con.contype = 'f' AND nsp.nspname = $1 AND rel.relname = $2
		ORDER BY con.conname, cols.ord`, []any{schema, table}
}

func (a *PostgresAdapter) ScanForeignKey(rows *sql.Rows) (ForeignKeyInfo, error) {
	var fk ForeignKeyInfo
	if err := rows.Scan(&fk.Column, &fk.ReferencesTable, &fk.ReferencesColumn); err != nil {
		return ForeignKeyInfo{}, err
	}
	return fk, nil
}

func (a *PostgresAdapter) ValidateQuery(sqlQuery string, allowedTables []string) error {
	return validateWithHardening(a, sqlQuery, allowedTables, postgresFunctionRules, postgresKeywordRules)
}

// RemoveStringsAndComments handles $$ dollar-quoted strings; "..." is an
// identifier and backslashes do not escape.
func (a *PostgresAdapter) RemoveStringsAndComments(sql string) string {
	return stripStringsAndComments(sql, postgresLexRules)
}
