// Package process implements saga orchestration over the command bus. A
// process is a multi-step workflow identified by process_id; each step sends
// one command whose correlation_id is the process_id, and the reply router
// advances the saga as replies arrive on the domain's reply queue.
package process

import (
	"encoding/json"
	"time"

	"github.com/meridian-au/commandbus/internal/pgmq"
)

// Status is the lifecycle state of a process
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusWaitingForReply Status = "WAITING_FOR_REPLY"
	StatusCompleted       Status = "COMPLETED"
	StatusCanceled        Status = "CANCELED"
	StatusCompensated     Status = "COMPENSATED"
	StatusWaitingForTSQ   Status = "WAITING_FOR_TSQ"
)

// IsTerminal reports whether a process can change state again
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusCompensated:
		return true
	}
	return false
}

// Step names one stage of a process. Managers define their own step constants
// so compensation tables stay exhaustive over a closed set.
type Step string

// NoStep is returned by NextStep when the process is complete and by
// CompensationStep when a step has no inverse.
const NoStep Step = ""

// StepCommand is what a manager emits for one step
type StepCommand struct {
	CommandType string
	Data        any
}

// Manager describes one concrete process type. State is opaque JSON owned by
// the manager; the orchestrator and router only store and pass it through.
// State is a value: UpdateState returns the new state rather than mutating
// shared structure, so manager, state and bus never form a cycle.
type Manager interface {
	ProcessType() string
	Domain() string

	// CreateInitialState builds the saga state from the caller's input
	CreateInitialState(initialData json.RawMessage) (json.RawMessage, error)

	// FirstStep picks the opening step for a fresh state
	FirstStep(state json.RawMessage) (Step, error)

	// BuildCommand produces the command for a step, including compensation steps
	BuildCommand(step Step, state json.RawMessage) (*StepCommand, error)

	// UpdateState folds a successful reply into the state
	UpdateState(state json.RawMessage, step Step, reply *pgmq.Reply) (json.RawMessage, error)

	// NextStep returns the step after current, or NoStep when the process is done
	NextStep(current Step, reply *pgmq.Reply, state json.RawMessage) (Step, error)

	// CompensationStep returns the inverse of a completed step, or NoStep
	CompensationStep(step Step) Step
}

// Metadata is one row of commandbus.process
type Metadata struct {
	Domain       string
	ProcessID    string
	ProcessType  string
	Status       Status
	CurrentStep  Step
	State        json.RawMessage
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditEntry is one row of commandbus.process_audit: one command sent for one
// step, later annotated with the reply that answered it.
type AuditEntry struct {
	EntryID      int64
	Domain       string
	ProcessID    string
	StepName     Step
	CommandID    string
	CommandType  string
	CommandData  json.RawMessage
	SentAt       time.Time
	ReplyOutcome string
	ReplyData    json.RawMessage
	ReceivedAt   *time.Time
}
