package command

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/meridian-au/commandbus/internal/db"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx, so every
// repository operation can run inside a caller-supplied transaction or on the
// bare pool.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository persists command metadata in commandbus.command. It is the sole
// writer of the attempts counter.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a command metadata repository
func NewRepository(database *sql.DB) *Repository {
	return &Repository{db: database}
}

func (r *Repository) q(tx DBTX) DBTX {
	if tx != nil {
		return tx
	}
	return r.db
}

const metadataColumns = `domain, command_id, command_type, status, attempts, max_attempts,
	msg_id, queue_name, correlation_id, reply_queue,
	last_error_type, last_error_code, last_error_msg, created_at, updated_at`

func scanMetadata(row interface{ Scan(...any) error }) (*Metadata, error) {
	var m Metadata
	var msgID sql.NullInt64
	var correlationID, replyQueue, errType, errCode, errMsg sql.NullString
	err := row.Scan(
		&m.Domain, &m.CommandID, &m.CommandType, &m.Status, &m.Attempts, &m.MaxAttempts,
		&msgID, &m.QueueName, &correlationID, &replyQueue,
		&errType, &errCode, &errMsg, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if msgID.Valid {
		m.MsgID = &msgID.Int64
	}
	m.CorrelationID = correlationID.String
	m.ReplyQueue = replyQueue.String
	m.LastErrorType = errType.String
	m.LastErrorCode = errCode.String
	m.LastErrorMsg = errMsg.String
	return &m, nil
}

// Save inserts a new command metadata row. The (domain, command_id) primary
// key enforces producer idempotency: a duplicate insert returns
// DuplicateCommandError and writes nothing.
func (r *Repository) Save(ctx context.Context, tx DBTX, m *Metadata) error {
	if m.Status == "" {
		m.Status = StatusPending
	}
	_, err := r.q(tx).ExecContext(ctx, `
		INSERT INTO commandbus.command (
			domain, command_id, command_type, status, attempts, max_attempts,
			msg_id, queue_name, correlation_id, reply_queue
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::uuid, NULLIF($10, ''))
	`, m.Domain, m.CommandID, m.CommandType, m.Status, m.Attempts, m.MaxAttempts,
		m.MsgID, m.QueueName, m.CorrelationID, m.ReplyQueue)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return &DuplicateCommandError{Domain: m.Domain, CommandID: m.CommandID}
		}
		return fmt.Errorf("failed to save command %s/%s: %w", m.Domain, m.CommandID, err)
	}
	return nil
}

// Get fetches a command's metadata, or ErrCommandNotFound
func (r *Repository) Get(ctx context.Context, tx DBTX, domain, commandID string) (*Metadata, error) {
	row := r.q(tx).QueryRowContext(ctx, `
		SELECT `+metadataColumns+`
		FROM commandbus.command
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID)
	m, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command %s/%s: %w", domain, commandID, err)
	}
	return m, nil
}

// Exists reports whether a command metadata row exists
func (r *Repository) Exists(ctx context.Context, tx DBTX, domain, commandID string) (bool, error) {
	var exists bool
	err := r.q(tx).QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM commandbus.command WHERE domain = $1 AND command_id = $2
		)
	`, domain, commandID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check command %s/%s: %w", domain, commandID, err)
	}
	return exists, nil
}

// UpdateStatus sets a command's status and bumps updated_at
func (r *Repository) UpdateStatus(ctx context.Context, tx DBTX, domain, commandID string, status Status) error {
	res, err := r.q(tx).ExecContext(ctx, `
		UPDATE commandbus.command
		SET status = $3, updated_at = NOW()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, status)
	if err != nil {
		return fmt.Errorf("failed to update status of %s/%s: %w", domain, commandID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// UpdateMsgID records the current PGMQ message id. Changes whenever the
// command is re-enqueued by the operator retry path.
func (r *Repository) UpdateMsgID(ctx context.Context, tx DBTX, domain, commandID string, msgID int64) error {
	_, err := r.q(tx).ExecContext(ctx, `
		UPDATE commandbus.command
		SET msg_id = $3, updated_at = NOW()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, msgID)
	if err != nil {
		return fmt.Errorf("failed to update msg_id of %s/%s: %w", domain, commandID, err)
	}
	return nil
}

// IncrementAttempts atomically bumps the attempts counter and returns the new
// value. This must be the only writer of attempts.
func (r *Repository) IncrementAttempts(ctx context.Context, tx DBTX, domain, commandID string) (int, error) {
	var attempts int
	err := r.q(tx).QueryRowContext(ctx, `
		UPDATE commandbus.command
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE domain = $1 AND command_id = $2
		RETURNING attempts
	`, domain, commandID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrCommandNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts of %s/%s: %w", domain, commandID, err)
	}
	return attempts, nil
}

// RecordError stores the most recent failure on the command row
func (r *Repository) RecordError(ctx context.Context, tx DBTX, domain, commandID string, kind ErrorKind, code, msg string) error {
	_, err := r.q(tx).ExecContext(ctx, `
		UPDATE commandbus.command
		SET last_error_type = $3, last_error_code = $4, last_error_msg = $5, updated_at = NOW()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, kind, code, msg)
	if err != nil {
		return fmt.Errorf("failed to record error on %s/%s: %w", domain, commandID, err)
	}
	return nil
}

// ResetForRetry returns a troubleshooting-queue command to PENDING with a
// fresh attempt budget and cleared error fields. Used by operator retry.
func (r *Repository) ResetForRetry(ctx context.Context, tx DBTX, domain, commandID string, msgID int64) error {
	_, err := r.q(tx).ExecContext(ctx, `
		UPDATE commandbus.command
		SET status = $3, attempts = 0, msg_id = $4,
			last_error_type = NULL, last_error_code = NULL, last_error_msg = NULL,
			updated_at = NOW()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, StatusPending, msgID)
	if err != nil {
		return fmt.Errorf("failed to reset %s/%s for retry: %w", domain, commandID, err)
	}
	return nil
}

// Query lists commands matching the filters, newest first. command_id breaks
// created_at ties so pagination is stable.
func (r *Repository) Query(ctx context.Context, tx DBTX, q Query) ([]*Metadata, error) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Status != "" {
		conditions = append(conditions, "status = "+arg(q.Status))
	}
	if q.Domain != "" {
		conditions = append(conditions, "domain = "+arg(q.Domain))
	}
	if q.CommandType != "" {
		conditions = append(conditions, "command_type = "+arg(q.CommandType))
	}
	if q.CorrelationID != "" {
		conditions = append(conditions, "correlation_id = "+arg(q.CorrelationID)+"::uuid")
	}
	if !q.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at > "+arg(q.CreatedAfter))
	}
	if !q.CreatedBefore.IsZero() {
		conditions = append(conditions, "created_at < "+arg(q.CreatedBefore))
	}

	query := "SELECT " + metadataColumns + " FROM commandbus.command"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, command_id DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}

	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var results []*Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read command rows: %w", err)
	}
	return results, nil
}
