// Package store provides SQLite-backed persistence for plans, their audit
// history, execution logs, worker leases and the queue outbox.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the database schema. Audit entries and execution log
// lines are append-only; triggers abort any attempt to rewrite them.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS plans (
	plan_id            TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL,
	steps_json         TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL,
	priority           TEXT NOT NULL DEFAULT 'normal',
	author             TEXT NOT NULL DEFAULT '',
	supersedes         TEXT NOT NULL DEFAULT '',
	feedback_json      TEXT,
	retries            INTEGER NOT NULL DEFAULT 0,
	branch             TEXT NOT NULL DEFAULT '',
	artifact           TEXT NOT NULL DEFAULT '',
	failure_reason     TEXT NOT NULL DEFAULT '',
	validation_summary TEXT NOT NULL DEFAULT '',
	distillation       TEXT NOT NULL DEFAULT '',
	cancel_requested   INTEGER NOT NULL DEFAULT 0,
	lease_owner        TEXT NOT NULL DEFAULT '',
	lease_epoch        INTEGER NOT NULL DEFAULT 0,
	lease_expires_at   INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status, created_at);

CREATE TABLE IF NOT EXISTS audit_entries (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL,
	actor       TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	hash        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_plan ON audit_entries(plan_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_transition
	ON audit_entries(plan_id, to_status) WHERE kind = 'transition';

CREATE TRIGGER IF NOT EXISTS audit_entries_no_update BEFORE UPDATE ON audit_entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are immutable');
END;
CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete BEFORE DELETE ON audit_entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are immutable');
END;

CREATE TABLE IF NOT EXISTS execution_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id    TEXT NOT NULL,
	line       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_plan ON execution_log(plan_id, seq);

CREATE TRIGGER IF NOT EXISTS execution_log_no_update BEFORE UPDATE ON execution_log
BEGIN
	SELECT RAISE(ABORT, 'execution log is append-only');
END;
CREATE TRIGGER IF NOT EXISTS execution_log_no_delete BEFORE DELETE ON execution_log
BEGIN
	SELECT RAISE(ABORT, 'execution log is append-only');
END;

CREATE TABLE IF NOT EXISTS outbox (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id    TEXT NOT NULL,
	priority   TEXT NOT NULL,
	msg_id     TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	sent_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(sent_at, id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer, and every state change
	// runs in a transaction that must observe the latest committed row.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
