package pgmq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// validQueueName matches safe PGMQ queue names. Queue names are interpolated
// into archive-table identifiers so they must be validated, not parameterised.
var validQueueName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Every driver operation accepts one so callers can run queue primitives
// inside their own transaction or on the bare pool.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Message is a row returned by pgmq.read
type Message struct {
	MsgID      int64
	ReadCount  int
	EnqueuedAt time.Time
	VT         time.Time
	Payload    json.RawMessage
}

// Metrics holds per-queue statistics from pgmq.metrics
type Metrics struct {
	QueueName     string
	QueueLength   int64
	NewestMsgAge  sql.NullInt64 // seconds
	OldestMsgAge  sql.NullInt64 // seconds
	TotalMessages int64
}

// Queue is a thin typed wrapper over the PGMQ SQL primitives. It does not
// interpret payloads beyond JSON encoding and it never owns transactions:
// pass a *sql.Tx to compose with command metadata writes, or the pool to run
// standalone.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a PGMQ driver over the given connection pool
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// querier returns the caller-supplied transaction, or the pool when nil
func (q *Queue) querier(tx Querier) Querier {
	if tx != nil {
		return tx
	}
	return q.db
}

func checkQueueName(name string) error {
	if !validQueueName.MatchString(name) {
		return fmt.Errorf("invalid queue name %q", name)
	}
	return nil
}

// CommandQueueName returns the command queue name for a domain
func CommandQueueName(domain string) string {
	return domain + "__commands"
}

// ReplyQueueName returns the reply queue name for a domain's process router
func ReplyQueueName(domain string) string {
	return domain + "__replies"
}

// NotifyChannel returns the LISTEN/NOTIFY channel name for a queue
func NotifyChannel(queue string) string {
	return "pgmq_notify_" + queue
}

// CreateQueue creates a PGMQ queue. Safe to call repeatedly.
func (q *Queue) CreateQueue(ctx context.Context, tx Querier, name string) error {
	if err := checkQueueName(name); err != nil {
		return err
	}
	if _, err := q.querier(tx).ExecContext(ctx, `SELECT pgmq.create($1)`, name); err != nil {
		return fmt.Errorf("failed to create queue %s: %w", name, err)
	}
	return nil
}

// Send enqueues one JSON payload with an optional delay in seconds and emits
// the wake-up NOTIFY on the queue channel within the same statement scope.
func (q *Queue) Send(ctx context.Context, tx Querier, queue string, payload any, delaySeconds int) (int64, error) {
	if err := checkQueueName(queue); err != nil {
		return 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}

	var msgID int64
	err = q.querier(tx).QueryRowContext(ctx,
		`SELECT pgmq.send($1, $2::jsonb, $3)`, queue, string(body), delaySeconds,
	).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("failed to send to queue %s: %w", queue, err)
	}

	if err := q.Notify(ctx, tx, queue); err != nil {
		return 0, err
	}

	return msgID, nil
}

// SendBatch enqueues multiple JSON payloads in one round trip and emits a
// single NOTIFY for the batch.
func (q *Queue) SendBatch(ctx context.Context, tx Querier, queue string, payloads []any, delaySeconds int) ([]int64, error) {
	if err := checkQueueName(queue); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, nil
	}

	encoded := make([]string, 0, len(payloads))
	for _, p := range payloads {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		encoded = append(encoded, string(body))
	}

	rows, err := q.querier(tx).QueryContext(ctx,
		`SELECT pgmq.send_batch($1, $2::jsonb[], $3)`, queue, pq.Array(encoded), delaySeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to send batch to queue %s: %w", queue, err)
	}
	defer rows.Close()

	msgIDs := make([]int64, 0, len(payloads))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan batch msg_id: %w", err)
		}
		msgIDs = append(msgIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch msg_ids: %w", err)
	}

	if err := q.Notify(ctx, tx, queue); err != nil {
		return nil, err
	}

	return msgIDs, nil
}

// Read claims up to qty messages with the given visibility timeout in seconds.
// Claimed messages are invisible to other readers until the VT elapses.
func (q *Queue) Read(ctx context.Context, tx Querier, queue string, vtSeconds, qty int) ([]Message, error) {
	if err := checkQueueName(queue); err != nil {
		return nil, err
	}

	rows, err := q.querier(tx).QueryContext(ctx, `
		SELECT msg_id, read_ct, enqueued_at, vt, message
		FROM pgmq.read($1, $2, $3)
	`, queue, vtSeconds, qty)
	if err != nil {
		return nil, fmt.Errorf("failed to read from queue %s: %w", queue, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VT, &m.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return messages, nil
}

// Delete permanently removes a message from the queue
func (q *Queue) Delete(ctx context.Context, tx Querier, queue string, msgID int64) (bool, error) {
	if err := checkQueueName(queue); err != nil {
		return false, err
	}
	var deleted bool
	err := q.querier(tx).QueryRowContext(ctx,
		`SELECT pgmq.delete($1, $2::bigint)`, queue, msgID).Scan(&deleted)
	if err != nil {
		return false, fmt.Errorf("failed to delete msg %d from %s: %w", msgID, queue, err)
	}
	return deleted, nil
}

// Archive moves a message to the pgmq.a_<queue> archive table, preserving the
// envelope for operator inspection.
func (q *Queue) Archive(ctx context.Context, tx Querier, queue string, msgID int64) (bool, error) {
	if err := checkQueueName(queue); err != nil {
		return false, err
	}
	var archived bool
	err := q.querier(tx).QueryRowContext(ctx,
		`SELECT pgmq.archive($1, $2::bigint)`, queue, msgID).Scan(&archived)
	if err != nil {
		return false, fmt.Errorf("failed to archive msg %d from %s: %w", msgID, queue, err)
	}
	return archived, nil
}

// SetVT reschedules a message's visibility timeout to now + vtSeconds. Used
// both for retry backoff and for handler-driven visibility extension.
func (q *Queue) SetVT(ctx context.Context, tx Querier, queue string, msgID int64, vtSeconds int) (bool, error) {
	if err := checkQueueName(queue); err != nil {
		return false, err
	}
	var found bool
	err := q.querier(tx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pgmq.set_vt($1, $2::bigint, $3))`,
		queue, msgID, vtSeconds).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to set vt on msg %d in %s: %w", msgID, queue, err)
	}
	return found, nil
}

// Notify emits the wake-up signal on the queue's notify channel. Issued
// transactionally, consumers see at most one wake per committed transaction.
func (q *Queue) Notify(ctx context.Context, tx Querier, queue string) error {
	if err := checkQueueName(queue); err != nil {
		return err
	}
	if _, err := q.querier(tx).ExecContext(ctx,
		`SELECT pg_notify($1, '')`, NotifyChannel(queue)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", queue, err)
	}
	return nil
}

// GetArchivedPayload fetches the preserved envelope for an archived message.
// The archive table name embeds the queue name, hence the identifier check.
func (q *Queue) GetArchivedPayload(ctx context.Context, tx Querier, queue string, msgID int64) (json.RawMessage, error) {
	if err := checkQueueName(queue); err != nil {
		return nil, err
	}
	var payload json.RawMessage
	query := fmt.Sprintf(`SELECT message FROM pgmq.a_%s WHERE msg_id = $1`, queue)
	err := q.querier(tx).QueryRowContext(ctx, query, msgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archived msg %d from %s: %w", msgID, queue, err)
	}
	return payload, nil
}

// QueueMetrics returns queue depth statistics for monitoring
func (q *Queue) QueueMetrics(ctx context.Context, queue string) (*Metrics, error) {
	if err := checkQueueName(queue); err != nil {
		return nil, err
	}

	var m Metrics
	err := q.db.QueryRowContext(ctx, `
		SELECT queue_name, queue_length, newest_msg_age_sec, oldest_msg_age_sec, total_messages
		FROM pgmq.metrics($1)
	`, queue).Scan(&m.QueueName, &m.QueueLength, &m.NewestMsgAge, &m.OldestMsgAge, &m.TotalMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics for %s: %w", queue, err)
	}

	log.Debug().
		Str("queue", queue).
		Int64("length", m.QueueLength).
		Msg("Queue metrics")

	return &m, nil
}
