package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// AuditLogger appends events to commandbus.audit. It never updates or
// deletes, and it knows nothing about domain semantics.
type AuditLogger struct {
	db *sql.DB
}

// NewAuditLogger creates an audit logger
func NewAuditLogger(database *sql.DB) *AuditLogger {
	return &AuditLogger{db: database}
}

func (a *AuditLogger) q(tx DBTX) DBTX {
	if tx != nil {
		return tx
	}
	return a.db
}

// Log appends one audit event. Details may be any JSON-encodable value or nil.
func (a *AuditLogger) Log(ctx context.Context, tx DBTX, domain, commandID, eventType string, details any) error {
	var detailsJSON any
	if details != nil {
		body, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		detailsJSON = string(body)
	}

	_, err := a.q(tx).ExecContext(ctx, `
		INSERT INTO commandbus.audit (domain, command_id, event_type, details_json)
		VALUES ($1, $2, $3, $4)
	`, domain, commandID, eventType, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to log %s for %s/%s: %w", eventType, domain, commandID, err)
	}
	return nil
}

// BatchEntry is one event for LogBatch
type BatchEntry struct {
	Domain    string
	CommandID string
	EventType string
	Details   any
}

// LogBatch appends multiple audit events in one statement. Used on worker hot
// paths where several events land in the same finalize transaction.
func (a *AuditLogger) LogBatch(ctx context.Context, tx DBTX, entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	valueStrings := make([]string, 0, len(entries))
	valueArgs := make([]any, 0, len(entries)*4)
	paramIndex := 1

	for _, e := range entries {
		var detailsJSON any
		if e.Details != nil {
			body, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("failed to encode audit details: %w", err)
			}
			detailsJSON = string(body)
		}
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d)",
			paramIndex, paramIndex+1, paramIndex+2, paramIndex+3))
		paramIndex += 4
		valueArgs = append(valueArgs, e.Domain, e.CommandID, e.EventType, detailsJSON)
	}

	query := fmt.Sprintf(`
		INSERT INTO commandbus.audit (domain, command_id, event_type, details_json)
		VALUES %s
	`, strings.Join(valueStrings, ","))

	if _, err := a.q(tx).ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("failed to batch log %d audit events: %w", len(entries), err)
	}
	return nil
}

// GetTrail returns a command's audit events in chronological order
func (a *AuditLogger) GetTrail(ctx context.Context, tx DBTX, domain, commandID string) ([]*AuditEvent, error) {
	rows, err := a.q(tx).QueryContext(ctx, `
		SELECT audit_id, domain, command_id, event_type, ts, details_json
		FROM commandbus.audit
		WHERE domain = $1 AND command_id = $2
		ORDER BY ts, audit_id
	`, domain, commandID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit trail for %s/%s: %w", domain, commandID, err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var details sql.NullString
		if err := rows.Scan(&e.AuditID, &e.Domain, &e.CommandID, &e.EventType, &e.TS, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	return events, nil
}
