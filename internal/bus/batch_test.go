//go:build unit || !integration

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendTrackedBatch(t *testing.T) {
	t.Parallel()

	bus, mock := setupMockBus(t)

	// Batch row first, then the usual chunk transaction
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO commandbus\.batch`).
		WithArgs("payments", sqlmock.AnyArg(), "nightly-debits", []byte(`{"run":42}`), 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO commandbus\.command(.+)ON CONFLICT`).
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))
	mock.ExpectQuery(`INSERT INTO commandbus\.command(.+)ON CONFLICT`).
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))
	mock.ExpectQuery(`SELECT pgmq\.send_batch`).
		WillReturnRows(sqlmock.NewRows([]string{"send_batch"}).
			AddRow(int64(61)).
			AddRow(int64(62)))
	mock.ExpectExec(`SELECT pg_notify`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE commandbus\.command\s+SET msg_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE commandbus\.command\s+SET msg_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO commandbus\.audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	requests := []SendRequest{
		{CommandType: "Debit"},
		{CommandType: "Debit"},
	}
	batchID, results, err := bus.SendTrackedBatch(context.Background(),
		"payments", "nightly-debits", map[string]any{"run": 42}, requests, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)

	_, err = uuid.Parse(batchID)
	assert.NoError(t, err, "batch id must be a UUID")

	// Every command in the batch carries the batch id as correlation id
	for i := range requests {
		assert.Equal(t, batchID, requests[i].CorrelationID)
		assert.Equal(t, "payments", requests[i].Domain)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendTrackedBatchValidation(t *testing.T) {
	t.Parallel()

	bus, _ := setupMockBus(t)

	_, _, err := bus.SendTrackedBatch(context.Background(), "", "x", nil,
		[]SendRequest{{CommandType: "Debit"}}, 0)
	assert.ErrorContains(t, err, "domain is required")

	_, _, err = bus.SendTrackedBatch(context.Background(), "payments", "x", nil, nil, 0)
	assert.ErrorContains(t, err, "no commands")
}

func TestGetBatchRefreshesCounts(t *testing.T) {
	t.Parallel()

	bus, mock := setupMockBus(t)

	batchID := uuid.New().String()
	mock.ExpectQuery(`UPDATE commandbus\.batch b\s+SET completed_count`).
		WithArgs("payments", batchID).
		WillReturnRows(sqlmock.NewRows([]string{
			"domain", "batch_id", "name", "custom_data", "status",
			"total_count", "completed_count", "canceled_count",
			"in_troubleshooting_count", "created_at", "updated_at",
		}).AddRow(
			"payments", batchID, "nightly-debits", []byte(`{"run":42}`),
			BatchStatusCompletedWithErrors, 3, 2, 0, 1, time.Now(), time.Now(),
		))

	info, err := bus.GetBatch(context.Background(), "payments", batchID)
	require.NoError(t, err)

	assert.Equal(t, BatchStatusCompletedWithErrors, info.Status)
	assert.Equal(t, 3, info.TotalCount)
	assert.Equal(t, 2, info.CompletedCount)
	assert.Equal(t, 1, info.InTroubleshootingCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
