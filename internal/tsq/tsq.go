// Package tsq implements the troubleshooting queue: the set of commands
// parked in IN_TROUBLESHOOTING_QUEUE awaiting operator action. Their queue
// messages live in the PGMQ archive table, so listings join command metadata
// with the archived envelope and operator retry re-enqueues from the archive.
package tsq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/meridian-au/commandbus/internal/command"
	"github.com/meridian-au/commandbus/internal/db"
	"github.com/meridian-au/commandbus/internal/pgmq"
)

// Entry is one troubleshooting-queue command with its archived envelope
type Entry struct {
	*command.Metadata
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TSQ exposes read and operator operations over the troubleshooting queue
type TSQ struct {
	db    *db.DB
	queue *pgmq.Queue
	repo  *command.Repository
	audit *command.AuditLogger
}

// New creates a troubleshooting queue service
func New(database *db.DB) *TSQ {
	return &TSQ{
		db:    database,
		queue: pgmq.NewQueue(database.GetDB()),
		repo:  command.NewRepository(database.GetDB()),
		audit: command.NewAuditLogger(database.GetDB()),
	}
}

// List returns troubleshooting-queue commands for a domain, newest first,
// each with its archived payload when one survives in the archive table.
func (t *TSQ) List(ctx context.Context, domain, commandType string, limit, offset int) ([]*Entry, error) {
	metas, err := t.repo.Query(ctx, nil, command.Query{
		Status:      command.StatusInTroubleshootingQueue,
		Domain:      domain,
		CommandType: commandType,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(metas))
	for _, m := range metas {
		entry := &Entry{Metadata: m}
		if m.MsgID != nil {
			payload, err := t.queue.GetArchivedPayload(ctx, nil, m.QueueName, *m.MsgID)
			if err != nil && err != sql.ErrNoRows {
				return nil, err
			}
			entry.Payload = payload
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count returns the number of troubleshooting-queue commands for a domain
func (t *TSQ) Count(ctx context.Context, domain, commandType string) (int, error) {
	query := `
		SELECT COUNT(*) FROM commandbus.command
		WHERE status = $1 AND domain = $2
	`
	args := []any{command.StatusInTroubleshootingQueue, domain}
	if commandType != "" {
		query += " AND command_type = $3"
		args = append(args, commandType)
	}

	var count int
	if err := t.db.GetDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count troubleshooting commands: %w", err)
	}
	return count, nil
}

// ListDomains returns every domain with at least one command in the
// troubleshooting queue.
func (t *TSQ) ListDomains(ctx context.Context) ([]string, error) {
	rows, err := t.db.GetDB().QueryContext(ctx, `
		SELECT DISTINCT domain FROM commandbus.command
		WHERE status = $1
		ORDER BY domain
	`, command.StatusInTroubleshootingQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to list troubleshooting domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// ListAll returns troubleshooting-queue commands across every domain
func (t *TSQ) ListAll(ctx context.Context, limit, offset int) ([]*Entry, error) {
	return t.List(ctx, "", "", limit, offset)
}

// ListCommandIDs returns the IDs of a domain's troubleshooting-queue commands
func (t *TSQ) ListCommandIDs(ctx context.Context, domain string) ([]string, error) {
	rows, err := t.db.GetDB().QueryContext(ctx, `
		SELECT command_id FROM commandbus.command
		WHERE status = $1 AND domain = $2
		ORDER BY created_at DESC, command_id DESC
	`, command.StatusInTroubleshootingQueue, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list troubleshooting command ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan command id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCommandDomain resolves which domain a troubleshooting-queue command
// belongs to, or ErrCommandNotFound.
func (t *TSQ) GetCommandDomain(ctx context.Context, commandID string) (string, error) {
	var domain string
	err := t.db.GetDB().QueryRowContext(ctx, `
		SELECT domain FROM commandbus.command
		WHERE command_id = $1 AND status = $2
	`, commandID, command.StatusInTroubleshootingQueue).Scan(&domain)
	if err == sql.ErrNoRows {
		return "", command.ErrCommandNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve command domain: %w", err)
	}
	return domain, nil
}

// requireTSQ loads the command inside the operator transaction and fails
// unless it is currently in the troubleshooting queue.
func (t *TSQ) requireTSQ(ctx context.Context, tx *sql.Tx, domain, commandID string) (*command.Metadata, error) {
	meta, err := t.repo.Get(ctx, tx, domain, commandID)
	if err != nil {
		return nil, err
	}
	if meta.Status != command.StatusInTroubleshootingQueue {
		return nil, &command.NotInTroubleshootingQueueError{
			Domain:    domain,
			CommandID: commandID,
			Status:    meta.Status,
		}
	}
	return meta, nil
}

// OperatorRetry re-enqueues the archived envelope with a fresh attempt
// budget, returning the command to PENDING.
func (t *TSQ) OperatorRetry(ctx context.Context, domain, commandID, operator string) error {
	err := t.db.Execute(ctx, func(tx *sql.Tx) error {
		meta, err := t.requireTSQ(ctx, tx, domain, commandID)
		if err != nil {
			return err
		}
		if meta.MsgID == nil {
			return fmt.Errorf("command %s/%s has no archived message to retry", domain, commandID)
		}

		payload, err := t.queue.GetArchivedPayload(ctx, tx, meta.QueueName, *meta.MsgID)
		if err != nil {
			return fmt.Errorf("failed to load archived envelope for %s/%s: %w", domain, commandID, err)
		}

		newMsgID, err := t.queue.Send(ctx, tx, meta.QueueName, json.RawMessage(payload), 0)
		if err != nil {
			return err
		}
		if err := t.repo.ResetForRetry(ctx, tx, domain, commandID, newMsgID); err != nil {
			return err
		}
		return t.audit.Log(ctx, tx, domain, commandID, command.EventOperatorRetry, map[string]any{
			"operator":   operator,
			"new_msg_id": newMsgID,
		})
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("domain", domain).
		Str("command_id", commandID).
		Str("operator", operator).
		Msg("Operator retried troubleshooting command")
	return nil
}

// OperatorCancel resolves the command as CANCELED. A waiting producer gets a
// CANCELED reply.
func (t *TSQ) OperatorCancel(ctx context.Context, domain, commandID, operator, reason string) error {
	err := t.db.Execute(ctx, func(tx *sql.Tx) error {
		meta, err := t.requireTSQ(ctx, tx, domain, commandID)
		if err != nil {
			return err
		}

		if err := t.repo.UpdateStatus(ctx, tx, domain, commandID, command.StatusCanceled); err != nil {
			return err
		}
		if meta.ReplyQueue != "" {
			reply := &pgmq.Reply{
				CommandID:     commandID,
				CorrelationID: meta.CorrelationID,
				Outcome:       pgmq.OutcomeCanceled,
				ErrorCode:     "OPERATOR_CANCELED",
				ErrorMessage:  reason,
			}
			if _, err := t.queue.Send(ctx, tx, meta.ReplyQueue, reply, 0); err != nil {
				return err
			}
		}
		return t.audit.Log(ctx, tx, domain, commandID, command.EventOperatorCancel, map[string]any{
			"operator": operator,
			"reason":   reason,
		})
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("domain", domain).
		Str("command_id", commandID).
		Str("operator", operator).
		Msg("Operator canceled troubleshooting command")
	return nil
}

// OperatorComplete resolves the command as COMPLETED, optionally delivering a
// success reply payload to the waiting producer.
func (t *TSQ) OperatorComplete(ctx context.Context, domain, commandID, operator string, resultData any) error {
	err := t.db.Execute(ctx, func(tx *sql.Tx) error {
		meta, err := t.requireTSQ(ctx, tx, domain, commandID)
		if err != nil {
			return err
		}

		if err := t.repo.UpdateStatus(ctx, tx, domain, commandID, command.StatusCompleted); err != nil {
			return err
		}
		if meta.ReplyQueue != "" {
			var data json.RawMessage
			if resultData != nil {
				data, err = json.Marshal(resultData)
				if err != nil {
					return fmt.Errorf("failed to encode operator result: %w", err)
				}
			}
			reply := &pgmq.Reply{
				CommandID:     commandID,
				CorrelationID: meta.CorrelationID,
				Outcome:       pgmq.OutcomeSuccess,
				Data:          data,
			}
			if _, err := t.queue.Send(ctx, tx, meta.ReplyQueue, reply, 0); err != nil {
				return err
			}
		}
		return t.audit.Log(ctx, tx, domain, commandID, command.EventOperatorComplete, map[string]any{
			"operator": operator,
		})
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("domain", domain).
		Str("command_id", commandID).
		Str("operator", operator).
		Msg("Operator completed troubleshooting command")
	return nil
}
