package trace

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the trace tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		label       TEXT NOT NULL DEFAULT '',
		workers     INTEGER NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		submitted   INTEGER NOT NULL DEFAULT 0,
		completed   INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		cancelled   INTEGER NOT NULL DEFAULT 0,
		steals      INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		job         TEXT NOT NULL DEFAULT '',
		worker      INTEGER NOT NULL DEFAULT -1,
		victim      INTEGER NOT NULL DEFAULT -1,
		priority    TEXT NOT NULL DEFAULT '',
		at          TEXT NOT NULL,
		duration_ns INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(session_id, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
