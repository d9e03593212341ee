package process

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meridian-au/commandbus/internal/command"
)

// ErrProcessNotFound is returned when no process row matches
var ErrProcessNotFound = errors.New("process not found")

// Store persists process metadata and the per-step audit trail
type Store struct {
	db *sql.DB
}

// NewStore creates a process store over the given connection pool
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

func (s *Store) q(tx command.DBTX) command.DBTX {
	if tx != nil {
		return tx
	}
	return s.db
}

const processColumns = `domain, process_id, process_type, status, current_step,
	state, error_code, error_message, created_at, updated_at`

func scanProcess(row interface{ Scan(...any) error }) (*Metadata, error) {
	var m Metadata
	var currentStep, errCode, errMsg sql.NullString
	err := row.Scan(
		&m.Domain, &m.ProcessID, &m.ProcessType, &m.Status, &currentStep,
		&m.State, &errCode, &errMsg, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.CurrentStep = Step(currentStep.String)
	m.ErrorCode = errCode.String
	m.ErrorMessage = errMsg.String
	return &m, nil
}

// Save inserts a new process row
func (s *Store) Save(ctx context.Context, tx command.DBTX, m *Metadata) error {
	if m.Status == "" {
		m.Status = StatusPending
	}
	state := m.State
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	_, err := s.q(tx).ExecContext(ctx, `
		INSERT INTO commandbus.process (
			domain, process_id, process_type, status, current_step, state
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, m.Domain, m.ProcessID, m.ProcessType, m.Status, string(m.CurrentStep), []byte(state))
	if err != nil {
		return fmt.Errorf("failed to save process %s/%s: %w", m.Domain, m.ProcessID, err)
	}
	return nil
}

// Get fetches a process, or ErrProcessNotFound
func (s *Store) Get(ctx context.Context, tx command.DBTX, domain, processID string) (*Metadata, error) {
	row := s.q(tx).QueryRowContext(ctx, `
		SELECT `+processColumns+`
		FROM commandbus.process
		WHERE domain = $1 AND process_id = $2
	`, domain, processID)
	m, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, ErrProcessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process %s/%s: %w", domain, processID, err)
	}
	return m, nil
}

// Advance moves a live process to its next step: new status, current step and
// state in one write.
func (s *Store) Advance(ctx context.Context, tx command.DBTX, domain, processID string, status Status, step Step, state json.RawMessage) error {
	res, err := s.q(tx).ExecContext(ctx, `
		UPDATE commandbus.process
		SET status = $3, current_step = NULLIF($4, ''), state = $5, updated_at = NOW()
		WHERE domain = $1 AND process_id = $2
	`, domain, processID, status, string(step), []byte(state))
	if err != nil {
		return fmt.Errorf("failed to advance process %s/%s: %w", domain, processID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProcessNotFound
	}
	return nil
}

// Finish moves a process to a terminal status, recording the failing reply's
// error when there is one.
func (s *Store) Finish(ctx context.Context, tx command.DBTX, domain, processID string, status Status, state json.RawMessage, errCode, errMsg string) error {
	res, err := s.q(tx).ExecContext(ctx, `
		UPDATE commandbus.process
		SET status = $3, state = $4,
			error_code = NULLIF($5, ''), error_message = NULLIF($6, ''),
			updated_at = NOW()
		WHERE domain = $1 AND process_id = $2
	`, domain, processID, status, []byte(state), errCode, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish process %s/%s: %w", domain, processID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProcessNotFound
	}
	return nil
}

// AppendAudit records one step command as sent
func (s *Store) AppendAudit(ctx context.Context, tx command.DBTX, e *AuditEntry) error {
	data := e.CommandData
	if len(data) == 0 {
		data = json.RawMessage(`null`)
	}
	_, err := s.q(tx).ExecContext(ctx, `
		INSERT INTO commandbus.process_audit (
			domain, process_id, step_name, command_id, command_type, command_data
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Domain, e.ProcessID, string(e.StepName), e.CommandID, e.CommandType, []byte(data))
	if err != nil {
		return fmt.Errorf("failed to append process audit for %s/%s: %w", e.Domain, e.ProcessID, err)
	}
	return nil
}

// RecordReply annotates the audit entry for a command with its reply
func (s *Store) RecordReply(ctx context.Context, tx command.DBTX, domain, processID, commandID string, outcome string, replyData json.RawMessage) error {
	data := replyData
	if len(data) == 0 {
		data = json.RawMessage(`null`)
	}
	res, err := s.q(tx).ExecContext(ctx, `
		UPDATE commandbus.process_audit
		SET reply_outcome = $4, reply_data = $5, received_at = NOW()
		WHERE domain = $1 AND process_id = $2 AND command_id = $3
	`, domain, processID, commandID, outcome, []byte(data))
	if err != nil {
		return fmt.Errorf("failed to record reply for %s/%s: %w", domain, processID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no audit entry for command %s of process %s/%s", commandID, domain, processID)
	}
	return nil
}

// GetTrail returns a process's audit entries in step order
func (s *Store) GetTrail(ctx context.Context, tx command.DBTX, domain, processID string) ([]*AuditEntry, error) {
	rows, err := s.q(tx).QueryContext(ctx, `
		SELECT entry_id, domain, process_id, step_name, command_id, command_type,
			command_data, sent_at, reply_outcome, reply_data, received_at
		FROM commandbus.process_audit
		WHERE domain = $1 AND process_id = $2
		ORDER BY sent_at, entry_id
	`, domain, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to get process audit for %s/%s: %w", domain, processID, err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var stepName string
		var outcome sql.NullString
		var replyData []byte
		var receivedAt sql.NullTime
		if err := rows.Scan(
			&e.EntryID, &e.Domain, &e.ProcessID, &stepName, &e.CommandID, &e.CommandType,
			&e.CommandData, &e.SentAt, &outcome, &replyData, &receivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan process audit row: %w", err)
		}
		e.StepName = Step(stepName)
		e.ReplyOutcome = outcome.String
		e.ReplyData = replyData
		if receivedAt.Valid {
			t := receivedAt.Time
			e.ReceivedAt = &t
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read process audit rows: %w", err)
	}
	return entries, nil
}

// CompletedSteps returns the steps that recorded a SUCCESS reply, in the order
// they were sent. The compensation walk iterates this in reverse.
func (s *Store) CompletedSteps(ctx context.Context, tx command.DBTX, domain, processID string) ([]Step, error) {
	rows, err := s.q(tx).QueryContext(ctx, `
		SELECT step_name FROM commandbus.process_audit
		WHERE domain = $1 AND process_id = $2 AND reply_outcome = 'SUCCESS'
		ORDER BY sent_at, entry_id
	`, domain, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed steps for %s/%s: %w", domain, processID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan step name: %w", err)
		}
		steps = append(steps, Step(name))
	}
	return steps, rows.Err()
}
