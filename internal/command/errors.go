package command

import (
	"errors"
	"fmt"
)

// TransientError is a retryable handler failure, subject to the retry policy.
type TransientError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient command error %s: %s", e.Code, e.Message)
}

// PermanentError is a non-retryable handler failure. The command moves
// straight to the troubleshooting queue for operator action.
type PermanentError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent command error %s: %s", e.Code, e.Message)
}

// BusinessRuleError is terminal from the producer's viewpoint: the command
// fails with a FAILED reply and no operator action will change the outcome.
type BusinessRuleError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation %s: %s", e.Code, e.Message)
}

// DuplicateCommandError is raised by send when (domain, command_id) already exists
type DuplicateCommandError struct {
	Domain    string
	CommandID string
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("command %s already exists in domain %s", e.CommandID, e.Domain)
}

// HandlerAlreadyRegisteredError is raised on duplicate handler registration
type HandlerAlreadyRegisteredError struct {
	Domain      string
	CommandType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s/%s", e.Domain, e.CommandType)
}

// HandlerNotFoundError is raised at dispatch time for unregistered commands
type HandlerNotFoundError struct {
	Domain      string
	CommandType string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for %s/%s", e.Domain, e.CommandType)
}

// NotInTroubleshootingQueueError is raised by operator operations when the
// command is not currently in the troubleshooting queue.
type NotInTroubleshootingQueueError struct {
	Domain    string
	CommandID string
	Status    Status
}

func (e *NotInTroubleshootingQueueError) Error() string {
	return fmt.Sprintf("command %s/%s is %s, not in troubleshooting queue", e.Domain, e.CommandID, e.Status)
}

// ErrCommandNotFound is returned by lookups for unknown (domain, command_id)
var ErrCommandNotFound = errors.New("command not found")

// Classification of an arbitrary dispatch error into the taxonomy. Unknown
// errors are treated as transient with code UNEXPECTED so an intermittent bug
// still gets its retry budget before landing in the troubleshooting queue.

// FailureClass describes how the worker finalizes a failed dispatch
type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailurePermanent
	FailureBusinessRule
)

// Classify maps a handler error onto the failure taxonomy, returning the
// class plus the error code and message to record.
func Classify(err error) (FailureClass, string, string) {
	var transient *TransientError
	if errors.As(err, &transient) {
		return FailureTransient, transient.Code, transient.Message
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return FailurePermanent, permanent.Code, permanent.Message
	}
	var business *BusinessRuleError
	if errors.As(err, &business) {
		return FailureBusinessRule, business.Code, business.Message
	}
	return FailureTransient, "UNEXPECTED", err.Error()
}
