package command

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a command
type Status string

const (
	StatusPending                Status = "PENDING"
	StatusInProgress             Status = "IN_PROGRESS"
	StatusCompleted              Status = "COMPLETED"
	StatusFailed                 Status = "FAILED"
	StatusCanceled               Status = "CANCELED"
	StatusInTroubleshootingQueue Status = "IN_TROUBLESHOOTING_QUEUE"
)

// IsTerminal reports whether a worker must not re-dispatch a command in this
// status. Commands in the troubleshooting queue only leave it via operator
// action, so from the worker's perspective the status is terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusInTroubleshootingQueue:
		return true
	}
	return false
}

// ErrorKind classifies the most recent handler failure
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "TRANSIENT"
	ErrorKindPermanent ErrorKind = "PERMANENT"
)

// Audit event types, in lifecycle order
const (
	EventSent             = "SENT"
	EventReceived         = "RECEIVED"
	EventStarted          = "STARTED"
	EventCompleted        = "COMPLETED"
	EventFailed           = "FAILED"
	EventRetryScheduled   = "RETRY_SCHEDULED"
	EventRetryExhausted   = "RETRY_EXHAUSTED"
	EventMovedToTSQ       = "MOVED_TO_TSQ"
	EventOperatorRetry    = "OPERATOR_RETRY"
	EventOperatorCancel   = "OPERATOR_CANCEL"
	EventOperatorComplete = "OPERATOR_COMPLETE"
)

// Metadata is the canonical per-command record in commandbus.command
type Metadata struct {
	Domain        string    `json:"domain"`
	CommandID     string    `json:"command_id"`
	CommandType   string    `json:"command_type"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	MsgID         *int64    `json:"msg_id,omitempty"`
	QueueName     string    `json:"queue_name"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyQueue    string    `json:"reply_queue,omitempty"`
	LastErrorType string    `json:"last_error_type,omitempty"`
	LastErrorCode string    `json:"last_error_code,omitempty"`
	LastErrorMsg  string    `json:"last_error_msg,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AuditEvent is one append-only row in commandbus.audit
type AuditEvent struct {
	AuditID   int64           `json:"audit_id"`
	Domain    string          `json:"domain"`
	CommandID string          `json:"command_id"`
	EventType string          `json:"event_type"`
	TS        time.Time       `json:"ts"`
	Details   json.RawMessage `json:"details_json,omitempty"`
}

// Query filters command listings. Zero values mean "no filter".
type Query struct {
	Status        Status
	Domain        string
	CommandType   string
	CorrelationID string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}
