package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "connection exception (pgx)",
			err:       &pgconn.PgError{Code: "08006"},
			retryable: true,
		},
		{
			name:      "too many connections (pgx)",
			err:       &pgconn.PgError{Code: "53300"},
			retryable: true,
		},
		{
			name:      "statement timeout (pgx)",
			err:       &pgconn.PgError{Code: "57014"},
			retryable: true,
		},
		{
			name:      "io error (lib/pq)",
			err:       &pq.Error{Code: "58030"},
			retryable: true,
		},
		{
			name:      "unique violation is not retryable",
			err:       &pgconn.PgError{Code: "23505"},
			retryable: false,
		},
		{
			name:      "invalid text representation is not retryable",
			err:       &pgconn.PgError{Code: "22P02"},
			retryable: false,
		},
		{
			name:      "wrapped driver error",
			err:       fmt.Errorf("failed to claim: %w", &pgconn.PgError{Code: "08000"}),
			retryable: true,
		},
		{
			name:      "closed connection",
			err:       sql.ErrConnDone,
			retryable: true,
		},
		{
			name:      "context deadline",
			err:       context.DeadlineExceeded,
			retryable: true,
		},
		{
			name:      "connection refused by message",
			err:       errors.New("dial tcp 127.0.0.1:5432: connection refused"),
			retryable: true,
		},
		{
			name:      "plain logic error",
			err:       errors.New("handler misbehaved"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestIsStatementTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, IsStatementTimeout(&pgconn.PgError{Code: "57014"}))
	assert.True(t, IsStatementTimeout(fmt.Errorf("finalize: %w", &pq.Error{Code: "57014"})))
	assert.False(t, IsStatementTimeout(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, IsStatementTimeout(errors.New("timeout")))
	assert.False(t, IsStatementTimeout(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(errors.New(`duplicate key value violates unique constraint "command_pkey"`)))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(nil))
}
