package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-au/commandbus/internal/command"
	"github.com/meridian-au/commandbus/internal/db"
	"github.com/meridian-au/commandbus/internal/pgmq"
)

// DefaultChunkSize bounds how many commands a single batch transaction
// carries, keeping statements under the Postgres parameter limit.
const DefaultChunkSize = 1000

// SendRequest describes one command to enqueue
type SendRequest struct {
	Domain        string
	CommandType   string
	CommandID     string // fresh UUID generated when empty
	Data          any
	CorrelationID string // fresh UUID generated when empty
	ReplyTo       string
	MaxAttempts   int // policy default when zero
	DelaySeconds  int
}

// SendResult identifies a successfully enqueued command
type SendResult struct {
	CommandID string
	MsgID     int64
}

// BatchResult is the per-request outcome of SendBatch. A duplicate within a
// batch surfaces here, not as a batch-wide failure.
type BatchResult struct {
	CommandID string
	MsgID     int64
	Err       error
}

// Bus is the producer side of the command bus. Send is atomic: the metadata
// row, the queue row and the SENT audit all commit together or not at all.
type Bus struct {
	db     *db.DB
	queue  *pgmq.Queue
	repo   *command.Repository
	audit  *command.AuditLogger
	policy command.RetryPolicy
}

// New creates a command bus producer over an existing connection
func New(database *db.DB) *Bus {
	return &Bus{
		db:     database,
		queue:  pgmq.NewQueue(database.GetDB()),
		repo:   command.NewRepository(database.GetDB()),
		audit:  command.NewAuditLogger(database.GetDB()),
		policy: command.DefaultRetryPolicy(),
	}
}

// WithRetryPolicy overrides the default max-attempts applied to new commands
func (b *Bus) WithRetryPolicy(policy command.RetryPolicy) *Bus {
	b.policy = policy
	return b
}

// EnsureQueue creates the command queue for a domain. Idempotent.
func (b *Bus) EnsureQueue(ctx context.Context, domain string) error {
	return b.queue.CreateQueue(ctx, nil, pgmq.CommandQueueName(domain))
}

func (b *Bus) normalise(req *SendRequest) error {
	if req.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if req.CommandType == "" {
		return fmt.Errorf("command_type is required")
	}
	if req.CommandID == "" {
		req.CommandID = uuid.New().String()
	} else if _, err := uuid.Parse(req.CommandID); err != nil {
		return fmt.Errorf("command_id must be a UUID: %w", err)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = b.policy.MaxAttempts
	}
	return nil
}

func (b *Bus) envelope(req *SendRequest) (*pgmq.CommandEnvelope, error) {
	data, err := json.Marshal(req.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command data: %w", err)
	}
	return &pgmq.CommandEnvelope{
		Domain:        req.Domain,
		CommandType:   req.CommandType,
		CommandID:     req.CommandID,
		Data:          data,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func sentDetails(req *SendRequest) map[string]any {
	return map[string]any{
		"command_type":   req.CommandType,
		"correlation_id": req.CorrelationID,
		"reply_to":       req.ReplyTo,
		"max_attempts":   req.MaxAttempts,
	}
}

// Send enqueues one command. Raises DuplicateCommandError when
// (domain, command_id) already exists; nothing is written in that case.
func (b *Bus) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	span := sentry.StartSpan(ctx, "bus.send")
	defer span.Finish()

	var result *SendResult
	err := b.db.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = b.SendInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SendInTx enqueues one command inside a caller-owned transaction, so a saga
// step send can commit atomically with its process mutation.
func (b *Bus) SendInTx(ctx context.Context, tx *sql.Tx, req SendRequest) (*SendResult, error) {
	if err := b.normalise(&req); err != nil {
		return nil, err
	}
	env, err := b.envelope(&req)
	if err != nil {
		return nil, err
	}

	queueName := pgmq.CommandQueueName(req.Domain)

	meta := &command.Metadata{
		Domain:        req.Domain,
		CommandID:     req.CommandID,
		CommandType:   req.CommandType,
		Status:        command.StatusPending,
		MaxAttempts:   req.MaxAttempts,
		QueueName:     queueName,
		CorrelationID: req.CorrelationID,
		ReplyQueue:    req.ReplyTo,
	}
	if err := b.repo.Save(ctx, tx, meta); err != nil {
		return nil, err
	}

	msgID, err := b.queue.Send(ctx, tx, queueName, env, req.DelaySeconds)
	if err != nil {
		return nil, err
	}
	if err := b.repo.UpdateMsgID(ctx, tx, req.Domain, req.CommandID, msgID); err != nil {
		return nil, err
	}

	if err := b.audit.Log(ctx, tx, req.Domain, req.CommandID, command.EventSent, sentDetails(&req)); err != nil {
		return nil, err
	}

	log.Debug().
		Str("domain", req.Domain).
		Str("command_type", req.CommandType).
		Str("command_id", req.CommandID).
		Int64("msg_id", msgID).
		Msg("Command sent")

	return &SendResult{CommandID: req.CommandID, MsgID: msgID}, nil
}

// SendBatch enqueues many commands, grouped by domain and chunked. Each chunk
// commits atomically; duplicates within a chunk are excluded and reported per
// result rather than failing the chunk.
func (b *Bus) SendBatch(ctx context.Context, requests []SendRequest, chunkSize int) ([]BatchResult, error) {
	span := sentry.StartSpan(ctx, "bus.send_batch")
	defer span.Finish()

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	// Chunks are keyed by domain and delay: pgmq.send_batch takes one delay
	// for the whole call, so mixed-delay requests must not share a chunk.
	// Group order follows first appearance so results stay deterministic.
	type chunkKey struct {
		domain string
		delay  int
	}
	results := make([]BatchResult, len(requests))
	groups := make(map[chunkKey][]int)
	var order []chunkKey
	for i := range requests {
		if err := b.normalise(&requests[i]); err != nil {
			results[i] = BatchResult{CommandID: requests[i].CommandID, Err: err}
			continue
		}
		key := chunkKey{domain: requests[i].Domain, delay: requests[i].DelaySeconds}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	for _, key := range order {
		indexes := groups[key]
		for start := 0; start < len(indexes); start += chunkSize {
			end := start + chunkSize
			if end > len(indexes) {
				end = len(indexes)
			}
			if err := b.sendChunk(ctx, key.domain, key.delay, requests, indexes[start:end], results); err != nil {
				return results, err
			}
		}
	}

	return results, nil
}

// sendChunk writes one transaction's worth of commands for a single domain
// and delay
func (b *Bus) sendChunk(ctx context.Context, domain string, delay int, requests []SendRequest, indexes []int, results []BatchResult) error {
	queueName := pgmq.CommandQueueName(domain)

	return b.db.Execute(ctx, func(tx *sql.Tx) error {
		// Insert metadata first; ON CONFLICT keeps duplicates from aborting
		// the chunk so the remaining commands still go through.
		var accepted []int
		for _, i := range indexes {
			req := &requests[i]
			var inserted bool
			err := tx.QueryRowContext(ctx, `
				INSERT INTO commandbus.command (
					domain, command_id, command_type, status, max_attempts,
					queue_name, correlation_id, reply_queue
				) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::uuid, NULLIF($8, ''))
				ON CONFLICT (domain, command_id) DO NOTHING
				RETURNING TRUE
			`, req.Domain, req.CommandID, req.CommandType, command.StatusPending,
				req.MaxAttempts, queueName, req.CorrelationID, req.ReplyTo).Scan(&inserted)

			if err == sql.ErrNoRows {
				results[i] = BatchResult{
					CommandID: req.CommandID,
					Err:       &command.DuplicateCommandError{Domain: req.Domain, CommandID: req.CommandID},
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to save command %s/%s: %w", req.Domain, req.CommandID, err)
			}
			accepted = append(accepted, i)
		}

		if len(accepted) == 0 {
			return nil
		}

		payloads := make([]any, 0, len(accepted))
		for _, i := range accepted {
			env, err := b.envelope(&requests[i])
			if err != nil {
				return err
			}
			payloads = append(payloads, env)
		}

		msgIDs, err := b.queue.SendBatch(ctx, tx, queueName, payloads, delay)
		if err != nil {
			return err
		}
		if len(msgIDs) != len(accepted) {
			return fmt.Errorf("queue returned %d msg_ids for %d commands", len(msgIDs), len(accepted))
		}

		auditEntries := make([]command.BatchEntry, 0, len(accepted))
		for n, i := range accepted {
			req := &requests[i]
			if err := b.repo.UpdateMsgID(ctx, tx, req.Domain, req.CommandID, msgIDs[n]); err != nil {
				return err
			}
			results[i] = BatchResult{CommandID: req.CommandID, MsgID: msgIDs[n]}
			auditEntries = append(auditEntries, command.BatchEntry{
				Domain:    req.Domain,
				CommandID: req.CommandID,
				EventType: command.EventSent,
				Details:   sentDetails(req),
			})
		}

		return b.audit.LogBatch(ctx, tx, auditEntries)
	})
}

// GetCommand returns a command's metadata
func (b *Bus) GetCommand(ctx context.Context, domain, commandID string) (*command.Metadata, error) {
	return b.repo.Get(ctx, nil, domain, commandID)
}

// QueryCommands lists commands matching the filters, newest first
func (b *Bus) QueryCommands(ctx context.Context, q command.Query) ([]*command.Metadata, error) {
	return b.repo.Query(ctx, nil, q)
}

// GetAuditTrail returns a command's audit events in chronological order
func (b *Bus) GetAuditTrail(ctx context.Context, domain, commandID string) ([]*command.AuditEvent, error) {
	return b.audit.GetTrail(ctx, nil, domain, commandID)
}
