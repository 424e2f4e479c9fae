package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_SuccessCallSequence(t *testing.T) {
	g, mock, metrics := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name FROM users LIMIT 1000").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alice").
			AddRow(int64(2), []byte("bob")))
	mock.ExpectCommit()

	result, err := g.Query(context.Background(), "  SELECT id, name FROM users ; ")
	require.NoError(t, err)

	assert.Equal(t, 2, result.RowCount)
	assert.False(t, result.Truncated)
	assert.Equal(t, []map[string]any{
		{"id": int64(1), "name": "alice"},
		{"id": int64(2), "name": "bob"},
	}, result.Rows)
	assert.Positive(t, result.Duration)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.queriesTotal.WithLabelValues("query", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.poolAcquisitions))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_ExistingLimitKept(t *testing.T) {
	g, mock, _ := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users LIMIT 10").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	result, err := g.Query(context.Background(), "SELECT id FROM users LIMIT 10;")
	require.NoError(t, err)
	assert.Equal(t, 0, result.RowCount)
	assert.NotNil(t, result.Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_PositionalParams(t *testing.T) {
	g, mock, _ := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT name FROM users WHERE id = $1 LIMIT 1000").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("carol"))
	mock.ExpectCommit()

	result, err := g.Query(context.Background(), "SELECT name FROM users WHERE id = $1", int64(7))
	require.NoError(t, err)
	assert.Equal(t, "carol", result.Rows[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_FailureRollsBackAndSurfacesOriginalError(t *testing.T) {
	g, mock, metrics := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	queryErr := errors.New(`relation "userz" does not exist`)
	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT * FROM userz LIMIT 1000").WillReturnError(queryErr)
	mock.ExpectRollback()

	_, err := g.Query(context.Background(), "SELECT * FROM userz")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, queryErr)
	assert.Equal(t, "query", execErr.Op)
	assert.False(t, execErr.Timeout)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.rollbackFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.queriesTotal.WithLabelValues("query", "error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_RollbackErrorIsSwallowedButCounted(t *testing.T) {
	g, mock, metrics := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	queryErr := errors.New("division by zero")
	rollbackErr := errors.New("connection reset by peer")
	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1/0 LIMIT 1000").WillReturnError(queryErr)
	mock.ExpectRollback().WillReturnError(rollbackErr)

	_, err := g.Query(context.Background(), "SELECT 1/0")

	assert.ErrorIs(t, err, queryErr)
	assert.NotErrorIs(t, err, rollbackErr)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rollbackFailures))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_StatementTimeout(t *testing.T) {
	g, mock, metrics := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT * FROM huge LIMIT 1000").
		WillReturnError(&pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"})
	mock.ExpectRollback()

	_, err := g.Query(context.Background(), "SELECT * FROM huge")

	assert.ErrorIs(t, err, ErrStatementTimeout)
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, pq.ErrorCode("57014"), pqErr.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.statementTimeouts))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.queriesTotal.WithLabelValues("query", "timeout")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_SessionSetupFailureNeverBegins(t *testing.T) {
	g, mock, _ := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	setupErr := errors.New("permission denied")
	mock.ExpectExec("SET statement_timeout = 30000").WillReturnError(setupErr)

	_, err := g.Query(context.Background(), "SELECT 1")

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, setupErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_CommitFailure(t *testing.T) {
	g, mock, metrics := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	commitErr := errors.New("could not serialize access")
	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 LIMIT 1000").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))
	mock.ExpectCommit().WillReturnError(commitErr)

	_, err := g.Query(context.Background(), "SELECT 1")

	assert.ErrorIs(t, err, commitErr)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.rollbackFailures))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_MaxRowsTruncates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRows = 2
	g, mock, _ := connectMockGateway(t, &PostgresAdapter{}, cfg)

	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM events LIMIT 1000").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)).AddRow(int64(3)))
	mock.ExpectCommit()

	result, err := g.Query(context.Background(), "SELECT id FROM events")
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowCount)
	assert.Len(t, result.Rows, 2)
	assert.True(t, result.Truncated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_BlockedKeywordNeverTouchesPool(t *testing.T) {
	g, mock, metrics := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	for _, stmt := range []string{
		"DELETE FROM users",
		"select * from users; drop table users",
		"WITH x AS (UPDATE users SET a = 1 RETURNING *) SELECT * FROM x",
	} {
		_, err := g.Query(context.Background(), stmt)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, stmt)
		assert.Equal(t, ForbiddenKeyword, verr.Kind)
	}

	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.poolAcquisitions))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.validationRejections.WithLabelValues("forbidden_keyword")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_TableOutsideAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedTables = []string{"users"}
	g, mock, metrics := connectMockGateway(t, &PostgresAdapter{}, cfg)

	_, err := g.Query(context.Background(), "SELECT * FROM orders")

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, TableNotAllowed, verr.Kind)
	assert.Equal(t, "orders", verr.Token)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.poolAcquisitions))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExplain_WrapsNormalizedStatement(t *testing.T) {
	g, mock, _ := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	plan := `[{"Plan": {"Node Type": "Seq Scan", "Relation Name": "users"}}]`
	rows := mock.NewRowsWithColumnDefinition(sqlmock.NewColumn("QUERY PLAN").OfType("JSON", []byte("{}"))).
		AddRow([]byte(plan))

	mock.ExpectExec("SET statement_timeout = 30000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("EXPLAIN (ANALYZE, FORMAT JSON) SELECT * FROM users LIMIT 1000").WillReturnRows(rows)
	mock.ExpectCommit()

	result, err := g.Explain(context.Background(), "SELECT * FROM users;")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, json.RawMessage(plan), result.Rows[0]["QUERY PLAN"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExplain_ValidatesFirst(t *testing.T) {
	g, mock, metrics := connectMockGateway(t, &PostgresAdapter{}, testConfig())

	_, err := g.Explain(context.Background(), "DROP TABLE users")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.queriesTotal.WithLabelValues("explain", "rejected")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryResult_MarshalJSON(t *testing.T) {
	result := QueryResult{
		Rows:     []map[string]any{{"id": 1}},
		RowCount: 1,
		Duration: 1500 * time.Microsecond,
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":[{"id":1}],"row_count":1,"duration_ms":1.5}`, string(data))
}
