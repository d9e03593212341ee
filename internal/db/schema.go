package db

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaSQL is the full idempotent installation script for the command bus.
// Every statement is CREATE IF NOT EXISTS / CREATE OR REPLACE so repeated
// installs are safe. PGMQ itself (the pgmq schema and its functions) is an
// extension prerequisite and is not created here.
const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS commandbus;

CREATE TABLE IF NOT EXISTS commandbus.command (
	domain          TEXT NOT NULL,
	command_id      UUID NOT NULL,
	command_type    TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'PENDING',
	attempts        INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL DEFAULT 3,
	msg_id          BIGINT,
	queue_name      TEXT NOT NULL,
	correlation_id  UUID,
	reply_queue     TEXT,
	last_error_type TEXT,
	last_error_code TEXT,
	last_error_msg  TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (domain, command_id)
);

CREATE INDEX IF NOT EXISTS idx_command_status ON commandbus.command (domain, status);
CREATE INDEX IF NOT EXISTS idx_command_type ON commandbus.command (domain, command_type);
CREATE INDEX IF NOT EXISTS idx_command_created ON commandbus.command (created_at DESC, command_id);
CREATE INDEX IF NOT EXISTS idx_command_msg_id ON commandbus.command (queue_name, msg_id);
CREATE INDEX IF NOT EXISTS idx_command_correlation ON commandbus.command (correlation_id);

CREATE TABLE IF NOT EXISTS commandbus.audit (
	audit_id     BIGSERIAL PRIMARY KEY,
	domain       TEXT NOT NULL,
	command_id   UUID NOT NULL,
	event_type   TEXT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	details_json JSONB
);

CREATE INDEX IF NOT EXISTS idx_audit_command ON commandbus.audit (domain, command_id, ts);

CREATE TABLE IF NOT EXISTS commandbus.batch (
	domain                 TEXT NOT NULL,
	batch_id               UUID NOT NULL,
	name                   TEXT,
	custom_data            JSONB,
	status                 TEXT NOT NULL DEFAULT 'PENDING',
	total_count            INT NOT NULL DEFAULT 0,
	completed_count        INT NOT NULL DEFAULT 0,
	canceled_count         INT NOT NULL DEFAULT 0,
	in_troubleshooting_count INT NOT NULL DEFAULT 0,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (domain, batch_id)
);

CREATE TABLE IF NOT EXISTS commandbus.process (
	domain        TEXT NOT NULL,
	process_id    UUID NOT NULL,
	process_type  TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	current_step  TEXT,
	state         JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_code    TEXT,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (domain, process_id)
);

CREATE INDEX IF NOT EXISTS idx_process_status ON commandbus.process (domain, status);

CREATE TABLE IF NOT EXISTS commandbus.process_audit (
	entry_id      BIGSERIAL PRIMARY KEY,
	domain        TEXT NOT NULL,
	process_id    UUID NOT NULL,
	step_name     TEXT NOT NULL,
	command_id    UUID NOT NULL,
	command_type  TEXT NOT NULL,
	command_data  JSONB,
	sent_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	reply_outcome TEXT,
	reply_data    JSONB,
	received_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_process_audit_process ON commandbus.process_audit (domain, process_id, sent_at);

-- sp_receive_command folds the worker claim transaction into one server-side
-- call: bump attempts, mark IN_PROGRESS, append the RECEIVED audit row.
CREATE OR REPLACE FUNCTION commandbus.sp_receive_command(
	p_domain TEXT, p_command_id UUID, p_msg_id BIGINT
) RETURNS INT AS $$
DECLARE
	v_attempts INT;
	v_max INT;
BEGIN
	UPDATE commandbus.command
	SET attempts = attempts + 1,
		status = 'IN_PROGRESS',
		msg_id = p_msg_id,
		updated_at = NOW()
	WHERE domain = p_domain AND command_id = p_command_id
	RETURNING attempts, max_attempts INTO v_attempts, v_max;

	IF NOT FOUND THEN
		RETURN NULL;
	END IF;

	INSERT INTO commandbus.audit (domain, command_id, event_type, details_json)
	VALUES (p_domain, p_command_id, 'RECEIVED',
		jsonb_build_object('msg_id', p_msg_id, 'attempt', v_attempts, 'max_attempts', v_max));

	RETURN v_attempts;
END;
$$ LANGUAGE plpgsql;

-- sp_finish_command records a terminal status plus its audit row in one call.
CREATE OR REPLACE FUNCTION commandbus.sp_finish_command(
	p_domain TEXT, p_command_id UUID, p_status TEXT, p_details JSONB
) RETURNS VOID AS $$
BEGIN
	UPDATE commandbus.command
	SET status = p_status, updated_at = NOW()
	WHERE domain = p_domain AND command_id = p_command_id;

	INSERT INTO commandbus.audit (domain, command_id, event_type, details_json)
	VALUES (p_domain, p_command_id, p_status, p_details);
END;
$$ LANGUAGE plpgsql;
`

// GetSchemaSQL returns the full schema installation script
func GetSchemaSQL() string {
	return schemaSQL
}

// setupSchema creates the command bus tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create commandbus schema: %w", err)
	}
	return nil
}

// SetupDatabase installs the command bus schema on an existing connection.
// Installation is idempotent.
func SetupDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create commandbus schema: %w", err)
	}
	return nil
}

// CheckSchemaExists probes for the commandbus schema and its core table
func CheckSchemaExists(ctx context.Context, db *sql.DB) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'commandbus' AND table_name = 'command'
		)
	`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check schema: %w", err)
	}
	return exists, nil
}
