package db

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSchemaSQLContents(t *testing.T) {
	t.Parallel()

	schema := GetSchemaSQL()

	// Every table and stored procedure the bus relies on
	for _, fragment := range []string{
		"CREATE SCHEMA IF NOT EXISTS commandbus",
		"CREATE TABLE IF NOT EXISTS commandbus.command",
		"CREATE TABLE IF NOT EXISTS commandbus.audit",
		"CREATE TABLE IF NOT EXISTS commandbus.batch",
		"CREATE TABLE IF NOT EXISTS commandbus.process",
		"CREATE TABLE IF NOT EXISTS commandbus.process_audit",
		"CREATE OR REPLACE FUNCTION commandbus.sp_receive_command",
		"CREATE OR REPLACE FUNCTION commandbus.sp_finish_command",
	} {
		assert.True(t, strings.Contains(schema, fragment), "schema missing %q", fragment)
	}

	// Idempotent installation: no bare CREATE TABLE without IF NOT EXISTS
	assert.NotContains(t, strings.ReplaceAll(schema, "IF NOT EXISTS", ""), "CREATE TABLE commandbus")
}

func TestCheckSchemaExists(t *testing.T) {
	t.Parallel()

	mockSQLDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockSQLDB.Close()

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := CheckSchemaExists(context.Background(), mockSQLDB)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSetupDatabaseIdempotent(t *testing.T) {
	t.Parallel()

	mockSQLDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockSQLDB.Close()

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS commandbus`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = SetupDatabase(context.Background(), mockSQLDB)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
