//go:build unit || !integration

package bus

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-au/commandbus/internal/db"
)

func TestExecutorSizeDefault(t *testing.T) {
	expected := runtime.GOMAXPROCS(0)
	if expected > 32 {
		expected = 32
	}
	assert.Equal(t, int64(expected), executorSize())
}

func TestExecutorSizeEnvOverride(t *testing.T) {
	t.Setenv(ExecutorSizeEnv, "4")
	resetExecutorForTest()
	t.Cleanup(resetExecutorForTest)

	assert.Equal(t, int64(4), executorSize())

	exec := getExecutor()
	assert.Equal(t, int64(4), exec.size)
}

func TestExecutorSizeInvalidOverride(t *testing.T) {
	t.Setenv(ExecutorSizeEnv, "not-a-number")
	resetExecutorForTest()
	t.Cleanup(resetExecutorForTest)

	expected := runtime.GOMAXPROCS(0)
	if expected > 32 {
		expected = 32
	}
	assert.Equal(t, int64(expected), executorSize())
}

func TestSendAsyncDeliversExactlyOnce(t *testing.T) {
	mockSQLDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockSQLDB.Close()

	resetExecutorForTest()
	t.Cleanup(resetExecutorForTest)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO commandbus\.command`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT pgmq\.send`).
		WillReturnRows(sqlmock.NewRows([]string{"send"}).AddRow(int64(12)))
	mock.ExpectExec(`SELECT pg_notify`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE commandbus\.command\s+SET msg_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO commandbus\.audit`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	client := NewClient(New(db.NewWithPool(mockSQLDB, &db.Config{})))

	out := client.SendAsync(context.Background(), SendRequest{
		Domain:      "payments",
		CommandType: "Debit",
	})

	select {
	case result := <-out:
		require.NoError(t, result.Err)
		assert.Equal(t, int64(12), result.MsgID)
	case <-time.After(5 * time.Second):
		t.Fatal("SendAsync never delivered a result")
	}

	ShutdownExecutor()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendAsyncCancelledContext(t *testing.T) {
	mockSQLDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockSQLDB.Close()

	resetExecutorForTest()
	t.Cleanup(resetExecutorForTest)

	client := NewClient(New(db.NewWithPool(mockSQLDB, &db.Config{})))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := <-client.SendAsync(ctx, SendRequest{Domain: "payments", CommandType: "Debit"})
	assert.Error(t, result.Err)
}
