package command

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		expectedType FailureClass
		expectedCode string
	}{
		{
			name:         "transient error",
			err:          &TransientError{Code: "TIMEOUT", Message: "upstream timed out"},
			expectedType: FailureTransient,
			expectedCode: "TIMEOUT",
		},
		{
			name:         "permanent error",
			err:          &PermanentError{Code: "BAD_SCHEMA", Message: "unknown field"},
			expectedType: FailurePermanent,
			expectedCode: "BAD_SCHEMA",
		},
		{
			name:         "business rule error",
			err:          &BusinessRuleError{Code: "INSUFFICIENT_FUNDS", Message: "balance too low"},
			expectedType: FailureBusinessRule,
			expectedCode: "INSUFFICIENT_FUNDS",
		},
		{
			name:         "wrapped transient error",
			err:          fmt.Errorf("handler failed: %w", &TransientError{Code: "CONN_RESET", Message: "reset"}),
			expectedType: FailureTransient,
			expectedCode: "CONN_RESET",
		},
		{
			name:         "wrapped business error",
			err:          fmt.Errorf("debit: %w", &BusinessRuleError{Code: "LIMIT", Message: "over limit"}),
			expectedType: FailureBusinessRule,
			expectedCode: "LIMIT",
		},
		{
			name:         "unknown error treated as transient",
			err:          errors.New("nil pointer dereference"),
			expectedType: FailureTransient,
			expectedCode: "UNEXPECTED",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			class, code, msg := Classify(tt.err)
			assert.Equal(t, tt.expectedType, class)
			assert.Equal(t, tt.expectedCode, code)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestClassifyUnknownKeepsMessage(t *testing.T) {
	t.Parallel()

	_, code, msg := Classify(errors.New("something odd happened"))
	assert.Equal(t, "UNEXPECTED", code)
	assert.Equal(t, "something odd happened", msg)
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCanceled, true},
		{StatusInTroubleshootingQueue, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.IsTerminal(), "status %s", tt.status)
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	dup := &DuplicateCommandError{Domain: "payments", CommandID: "abc"}
	assert.Contains(t, dup.Error(), "payments")
	assert.Contains(t, dup.Error(), "abc")

	notFound := &HandlerNotFoundError{Domain: "payments", CommandType: "Debit"}
	assert.Contains(t, notFound.Error(), "payments/Debit")

	notTSQ := &NotInTroubleshootingQueueError{Domain: "payments", CommandID: "abc", Status: StatusCompleted}
	assert.Contains(t, notTSQ.Error(), "COMPLETED")
}
