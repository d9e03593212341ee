package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// sqlState extracts the PostgreSQL SQLSTATE code from an error, whichever
// driver produced it (pgx stdlib or lib/pq listener).
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// isRetryableError determines if an error is infrastructure-related (should retry)
// vs data-related (poison pill that should be skipped)
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Unwrap to find the underlying PostgreSQL error
	if code := sqlState(err); len(code) >= 2 {
		switch code[:2] {
		case "08": // Connection exceptions
			return true
		case "53": // Insufficient resources (connection limit, out of memory, disk full)
			return true
		case "57": // Operator intervention (shutdown, statement timeout)
			return true
		case "58": // System errors (IO errors, etc)
			return true
		case "23": // Integrity constraint violations - NOT retryable (bad data)
			return false
		case "22": // Data exceptions (invalid input, etc) - NOT retryable (bad data)
			return false
		default:
			// For unknown postgres errors, be conservative and retry
			return true
		}
	}

	// Check for common Go database errors
	switch {
	case errors.Is(err, sql.ErrConnDone):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return true
	}

	// Check error message for connection issues
	errMsg := err.Error()
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no connection to the server",
		"the database system is starting up",
		"the database system is shutting down",
	}
	for _, connErr := range connectionErrors {
		if strings.Contains(errMsg, connErr) {
			return true
		}
	}

	return false
}

// IsRetryableError reports whether an error is worth retrying at the
// infrastructure level (connection loss, resource exhaustion, statement
// timeout) as opposed to a data error that will fail again identically.
func IsRetryableError(err error) bool {
	return isRetryableError(err)
}

// IsStatementTimeout reports whether an error is the server-side
// statement_timeout firing (query_canceled, SQLSTATE 57014).
func IsStatementTimeout(err error) bool {
	return sqlState(err) == "57014"
}

// IsUniqueViolation reports whether an error is a primary key or unique
// constraint violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	if sqlState(err) == "23505" {
		return true
	}
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key value")
}
