package main

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by gateway operations that pass validation
// while the pool is in the Disconnected state.
var ErrNotConnected = errors.New("database not connected")

// ErrStatementTimeout matches an ExecutionError whose cause the adapter
// classified as a statement timeout.
var ErrStatementTimeout = errors.New("statement timeout exceeded")

// ValidationKind names the rule that rejected a statement.
type ValidationKind string

const (
	EmptyQuery         ValidationKind = "empty_query"
	ForbiddenKeyword   ValidationKind = "forbidden_keyword"
	TableNotAllowed    ValidationKind = "table_not_allowed"
	MultipleStatements ValidationKind = "multiple_statements"
	ForbiddenStatement ValidationKind = "forbidden_statement"
	ForbiddenFunction  ValidationKind = "forbidden_function"
)

// ValidationError is raised before any I/O. Token carries the offending
// keyword, table or function.
type ValidationError struct {
	Kind  ValidationKind
	Token string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case EmptyQuery:
		return "empty query"
	case ForbiddenKeyword:
		return fmt.Sprintf("query contains forbidden keyword: %s", e.Token)
	case TableNotAllowed:
		return fmt.Sprintf("table not allowed: %s", e.Token)
	case MultipleStatements:
		return "multiple statements are not allowed"
	case ForbiddenStatement:
		return fmt.Sprintf("%s statements are not allowed", e.Token)
	case ForbiddenFunction:
		return fmt.Sprintf("query contains forbidden function: %s", e.Token)
	default:
		return fmt.Sprintf("query rejected: %s", e.Token)
	}
}

func forbiddenKeyword(keyword string) *ValidationError {
	return &ValidationError{Kind: ForbiddenKeyword, Token: keyword}
}

func tableNotAllowed(table string) *ValidationError {
	return &ValidationError{Kind: TableNotAllowed, Token: table}
}

// ExecutionError wraps a driver failure raised while a transaction was open
// (or while acquiring/configuring the connection for it).
type ExecutionError struct {
	Op      string
	Timeout bool
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: %v: %v", e.Op, ErrStatementTimeout, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrStatementTimeout) succeed for classified timeouts.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrStatementTimeout && e.Timeout
}

// ConnectionError is returned by Connect when the pool cannot be opened or
// the eager ping connection fails.
type ConnectionError struct {
	Dialect string
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s database: %v", e.Dialect, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}
