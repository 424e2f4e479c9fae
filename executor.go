package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// QueryResult is the bounded result of one statement.
type QueryResult struct {
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Duration  time.Duration    `json:"-"`
	Truncated bool             `json:"truncated,omitempty"`
}

func (r QueryResult) MarshalJSON() ([]byte, error) {
	type plain QueryResult
	return json.Marshal(struct {
		plain
		DurationMs float64 `json:"duration_ms"`
	}{plain(r), float64(r.Duration.Microseconds()) / 1000})
}

// txRunner runs a unit of work on one dedicated connection inside one
// read-only transaction, with the session timeout applied first.
type txRunner struct {
	pool    *ConnectionPool
	adapter DBAdapter
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger
}

func (r *txRunner) run(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if !r.adapter.ServerSideTimeout() && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		return r.fail(op, fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	for _, stmt := range r.adapter.SessionSetup(r.timeout) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return r.fail(op, fmt.Errorf("session setup: %w", err))
		}
	}

	tx, err := conn.BeginTx(ctx, r.adapter.TxOptions())
	if err != nil {
		return r.fail(op, fmt.Errorf("begin transaction: %w", err))
	}

	if err := fn(ctx, tx); err != nil {
		r.rollback(op, tx)
		return r.fail(op, err)
	}

	if err := tx.Commit(); err != nil {
		return r.fail(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// rollback never replaces the caller's error. A transaction the driver
// already ended (context cancellation) is not a failure.
func (r *txRunner) rollback(op string, tx *sql.Tx) {
	err := tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return
	}
	r.metrics.rollbackFailures.Inc()
	r.logger.Warn("rollback failed", "op", op, "dialect", r.adapter.Dialect(), "error", err)
}

func (r *txRunner) fail(op string, err error) error {
	timeout := r.adapter.IsStatementTimeout(err)
	if timeout {
		r.metrics.statementTimeouts.Inc()
	}
	return &ExecutionError{Op: op, Timeout: timeout, Cause: err}
}

// QueryExecutor validates, bounds and runs caller-supplied statements.
type QueryExecutor struct {
	runner  *txRunner
	adapter DBAdapter
	cfg     ConnectionConfig
	metrics *Metrics
	logger  *slog.Logger
}

func NewQueryExecutor(pool *ConnectionPool, adapter DBAdapter, cfg ConnectionConfig, metrics *Metrics, logger *slog.Logger) *QueryExecutor {
	return &QueryExecutor{
		runner: &txRunner{
			pool:    pool,
			adapter: adapter,
			timeout: cfg.QueryTimeout(),
			metrics: metrics,
			logger:  logger,
		},
		adapter: adapter,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Execute runs sqlQuery with a LIMIT appended unless it already has one.
func (e *QueryExecutor) Execute(ctx context.Context, sqlQuery string, params ...any) (*QueryResult, error) {
	if err := e.validate("query", sqlQuery); err != nil {
		return nil, err
	}
	return e.execute(ctx, "query", NormalizeStatement(sqlQuery, e.cfg.RowLimit), params)
}

// Explain runs the dialect's EXPLAIN over the normalized statement. The
// injected LIMIT is part of the explained statement and can change the plan.
func (e *QueryExecutor) Explain(ctx context.Context, sqlQuery string, params ...any) (*QueryResult, error) {
	if err := e.validate("explain", sqlQuery); err != nil {
		return nil, err
	}
	stmt := e.adapter.ExplainQuery(NormalizeStatement(sqlQuery, e.cfg.RowLimit))
	return e.execute(ctx, "explain", stmt, params)
}

func (e *QueryExecutor) validate(op, sqlQuery string) error {
	err := e.adapter.ValidateQuery(sqlQuery, e.cfg.AllowedTables)
	if err == nil {
		return nil
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		e.metrics.rejected(verr.Kind)
	}
	e.metrics.queriesTotal.WithLabelValues(op, "rejected").Inc()
	e.logger.Warn("query rejected", "op", op, "dialect", e.adapter.Dialect(), "error", err)
	return err
}

func (e *QueryExecutor) execute(ctx context.Context, op, stmt string, params []any) (*QueryResult, error) {
	start := time.Now()
	result := &QueryResult{Rows: []map[string]any{}}

	err := e.runner.run(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, stmt, params...)
		if err != nil {
			return err
		}
		defer rows.Close()

		if err := scanRows(rows, e.maxRows(), result); err != nil {
			return err
		}
		return rows.Close()
	})
	result.Duration = time.Since(start)

	if err != nil {
		e.metrics.observe(op, statusOf(err), result.Duration)
		e.logger.Warn("query failed",
			"op", op,
			"dialect", e.adapter.Dialect(),
			"duration_ms", result.Duration.Milliseconds(),
			"error", err)
		return nil, err
	}

	e.metrics.observe(op, "ok", result.Duration)
	e.logger.Debug("query executed",
		"op", op,
		"dialect", e.adapter.Dialect(),
		"rows", result.RowCount,
		"truncated", result.Truncated,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

func (e *QueryExecutor) maxRows() int {
	if e.cfg.MaxRows > 0 {
		return e.cfg.MaxRows
	}
	return DefaultMaxRows
}

// scanRows reads at most maxRows rows into result. []byte values become
// strings except for JSON columns, which stay raw JSON.
func scanRows(rows *sql.Rows, maxRows int, result *QueryResult) error {
	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to get columns: %w", err)
	}

	jsonCols := make([]bool, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			switch strings.ToUpper(ct.DatabaseTypeName()) {
			case "JSON", "JSONB":
				jsonCols[i] = true
			}
		}
	}

	for rows.Next() {
		if result.RowCount >= maxRows {
			result.Truncated = true
			break
		}

		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return fmt.Errorf("failed to scan row %d: %w", result.RowCount+1, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				if jsonCols[i] && json.Valid(v) {
					row[col] = json.RawMessage(bytes.Clone(v))
				} else {
					row[col] = string(v)
				}
			default:
				row[col] = v
			}
		}
		result.Rows = append(result.Rows, row)
		result.RowCount++
	}

	return rows.Err()
}
