//go:build unit || !integration

package process

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-au/commandbus/internal/bus"
	"github.com/meridian-au/commandbus/internal/db"
	"github.com/meridian-au/commandbus/internal/pgmq"
)

const (
	stepDebit  Step = "DEBIT"
	stepCredit Step = "CREDIT"
	stepRefund Step = "REFUND"
)

// transferManager is a two-step saga: debit the source account, then credit
// the destination. A completed debit compensates with a refund.
type transferManager struct {
	domain string
}

func (m *transferManager) ProcessType() string { return "TRANSFER" }
func (m *transferManager) Domain() string      { return m.domain }

func (m *transferManager) CreateInitialState(initialData json.RawMessage) (json.RawMessage, error) {
	return initialData, nil
}

func (m *transferManager) FirstStep(state json.RawMessage) (Step, error) {
	return stepDebit, nil
}

func (m *transferManager) BuildCommand(step Step, state json.RawMessage) (*StepCommand, error) {
	switch step {
	case stepDebit:
		return &StepCommand{CommandType: "DebitAccount", Data: state}, nil
	case stepCredit:
		return &StepCommand{CommandType: "CreditAccount", Data: state}, nil
	case stepRefund:
		return &StepCommand{CommandType: "RefundAccount", Data: state}, nil
	}
	return nil, fmt.Errorf("unknown step %s", step)
}

func (m *transferManager) UpdateState(state json.RawMessage, step Step, reply *pgmq.Reply) (json.RawMessage, error) {
	return state, nil
}

func (m *transferManager) NextStep(current Step, reply *pgmq.Reply, state json.RawMessage) (Step, error) {
	if current == stepDebit {
		return stepCredit, nil
	}
	return NoStep, nil
}

func (m *transferManager) CompensationStep(step Step) Step {
	if step == stepDebit {
		return stepRefund
	}
	return NoStep
}

func setupMockOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()

	mockSQLDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockSQLDB.Close() })

	database := db.NewWithPool(mockSQLDB, &db.Config{})
	return NewOrchestrator(database, bus.New(database), "payments"), mock
}

// expectSendStep matches the step-command pipeline inside the process
// transaction: metadata insert, queue send, notify, msg_id update, command
// audit and the process audit entry.
func expectSendStep(mock sqlmock.Sqlmock, msgID int64) {
	mock.ExpectExec(`INSERT INTO commandbus\.command`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT pgmq\.send\(\$1, \$2::jsonb, \$3\)`).
		WillReturnRows(sqlmock.NewRows([]string{"send"}).AddRow(msgID))
	mock.ExpectExec(`SELECT pg_notify`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE commandbus\.command\s+SET msg_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO commandbus\.audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO commandbus\.process_audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestRegisterRejectsForeignDomain(t *testing.T) {
	t.Parallel()

	orch, _ := setupMockOrchestrator(t)

	err := orch.Register(&transferManager{domain: "billing"})
	assert.ErrorContains(t, err, "belongs to domain billing")
}

func TestRegisterRejectsDuplicateProcessType(t *testing.T) {
	t.Parallel()

	orch, _ := setupMockOrchestrator(t)
	require.NoError(t, orch.Register(&transferManager{domain: "payments"}))

	err := orch.Register(&transferManager{domain: "payments"})
	assert.ErrorContains(t, err, "already registered")
}

func TestStartProcessAtomicPipeline(t *testing.T) {
	t.Parallel()

	orch, mock := setupMockOrchestrator(t)
	require.NoError(t, orch.Register(&transferManager{domain: "payments"}))

	// Process row, first step command and audit entries commit together,
	// leaving the process WAITING_FOR_REPLY on the opening step.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO commandbus\.process`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectSendStep(mock, 41)
	mock.ExpectExec(`UPDATE commandbus\.process\s+SET status = \$3, current_step = NULLIF\(\$4, ''\)`).
		WithArgs("payments", sqlmock.AnyArg(), StatusWaitingForReply, string(stepDebit), []byte(`{"amount":100}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	processID, err := orch.StartProcess(context.Background(),
		"TRANSFER", json.RawMessage(`{"amount":100}`))
	require.NoError(t, err)

	_, err = uuid.Parse(processID)
	assert.NoError(t, err, "process id must be a UUID")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartProcessUnknownType(t *testing.T) {
	t.Parallel()

	orch, _ := setupMockOrchestrator(t)

	_, err := orch.StartProcess(context.Background(), "UNKNOWN", nil)
	assert.ErrorContains(t, err, "not registered")
}
