package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-au/commandbus/internal/command"
)

// Batch statuses. A batch is PENDING until every command reaches a terminal
// status; it then becomes COMPLETED, or COMPLETED_WITH_ERRORS when any command
// was canceled or parked in the troubleshooting queue.
const (
	BatchStatusPending             = "PENDING"
	BatchStatusCompleted           = "COMPLETED"
	BatchStatusCompletedWithErrors = "COMPLETED_WITH_ERRORS"
)

// BatchInfo is one row of commandbus.batch with its progress counts
type BatchInfo struct {
	Domain                 string          `json:"domain"`
	BatchID                string          `json:"batch_id"`
	Name                   string          `json:"name,omitempty"`
	CustomData             json.RawMessage `json:"custom_data,omitempty"`
	Status                 string          `json:"status"`
	TotalCount             int             `json:"total_count"`
	CompletedCount         int             `json:"completed_count"`
	CanceledCount          int             `json:"canceled_count"`
	InTroubleshootingCount int             `json:"in_troubleshooting_count"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// SendTrackedBatch enqueues a named batch of commands and records a batch row
// for progress tracking. The batch id becomes every command's correlation_id,
// which is how GetBatch later ties command statuses back to the batch.
func (b *Bus) SendTrackedBatch(ctx context.Context, domain, name string, customData any, requests []SendRequest, chunkSize int) (string, []BatchResult, error) {
	if domain == "" {
		return "", nil, fmt.Errorf("domain is required")
	}
	if len(requests) == 0 {
		return "", nil, fmt.Errorf("batch has no commands")
	}

	batchID := uuid.New().String()
	for i := range requests {
		requests[i].Domain = domain
		requests[i].CorrelationID = batchID
	}

	var custom json.RawMessage
	if customData != nil {
		encoded, err := json.Marshal(customData)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode batch custom data: %w", err)
		}
		custom = encoded
	}

	err := b.db.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commandbus.batch (
				domain, batch_id, name, custom_data, total_count
			) VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		`, domain, batchID, name, nullableJSON(custom), len(requests))
		if err != nil {
			return fmt.Errorf("failed to create batch %s: %w", batchID, err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	results, err := b.SendBatch(ctx, requests, chunkSize)
	if err != nil {
		return batchID, results, err
	}

	log.Info().
		Str("domain", domain).
		Str("batch_id", batchID).
		Str("name", name).
		Int("commands", len(requests)).
		Msg("Batch sent")

	return batchID, results, nil
}

// GetBatch refreshes a batch's progress counts from its commands' current
// statuses and returns the updated row.
func (b *Bus) GetBatch(ctx context.Context, domain, batchID string) (*BatchInfo, error) {
	row := b.db.GetDB().QueryRowContext(ctx, `
		WITH counts AS (
			SELECT
				COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed,
				COUNT(*) FILTER (WHERE status = 'CANCELED' OR status = 'FAILED') AS canceled,
				COUNT(*) FILTER (WHERE status = 'IN_TROUBLESHOOTING_QUEUE') AS in_tsq
			FROM commandbus.command
			WHERE domain = $1 AND correlation_id = $2::uuid
		)
		UPDATE commandbus.batch b
		SET completed_count = counts.completed,
			canceled_count = counts.canceled,
			in_troubleshooting_count = counts.in_tsq,
			status = CASE
				WHEN counts.completed >= b.total_count THEN 'COMPLETED'
				WHEN counts.completed + counts.canceled + counts.in_tsq >= b.total_count THEN 'COMPLETED_WITH_ERRORS'
				ELSE 'PENDING'
			END,
			updated_at = NOW()
		FROM counts
		WHERE b.domain = $1 AND b.batch_id = $2
		RETURNING b.domain, b.batch_id, b.name, b.custom_data, b.status,
			b.total_count, b.completed_count, b.canceled_count,
			b.in_troubleshooting_count, b.created_at, b.updated_at
	`, domain, batchID)

	var info BatchInfo
	var name sql.NullString
	var custom []byte
	err := row.Scan(
		&info.Domain, &info.BatchID, &name, &custom, &info.Status,
		&info.TotalCount, &info.CompletedCount, &info.CanceledCount,
		&info.InTroubleshootingCount, &info.CreatedAt, &info.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, command.ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s/%s: %w", domain, batchID, err)
	}
	info.Name = name.String
	info.CustomData = custom
	return &info, nil
}

// GetBatchCommands lists a batch's commands with their current statuses
func (b *Bus) GetBatchCommands(ctx context.Context, domain, batchID string) ([]*command.Metadata, error) {
	return b.repo.Query(ctx, nil, command.Query{
		Domain:        domain,
		CorrelationID: batchID,
	})
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
