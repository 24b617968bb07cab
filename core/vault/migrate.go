package vault

import (
	"database/sql"
	"fmt"
)

// migration is a single forward-only schema change.
type migration struct {
	version int
	stmts   []string
}

// migrations is the ordered list of schema migrations. Table set matches
// spec section 6: profiles, broker_results, removal_actions, scan_history,
// email_threads, email_messages, verification_schedules, insights,
// audit_log, permissions, plus a schema_version bookkeeping table, a
// verifier table used only to check the unlock secret, and a
// scheduler_tasks table for the scheduler's checkpointed task state.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS verifier (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				salt BLOB NOT NULL,
				tag BLOB NOT NULL,
				nonce BLOB NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS profiles (
				id TEXT PRIMARY KEY,
				record BLOB NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS broker_results (
				id TEXT PRIMARY KEY,
				scan_job_id TEXT NOT NULL,
				broker_id TEXT NOT NULL,
				profile_id TEXT NOT NULL,
				record BLOB NOT NULL,
				created_at TEXT NOT NULL,
				UNIQUE(scan_job_id, broker_id)
			)`,
			`CREATE TABLE IF NOT EXISTS removal_actions (
				id TEXT PRIMARY KEY,
				scan_result_id TEXT NOT NULL,
				state TEXT NOT NULL,
				record BLOB NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS scan_history (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				broker_id TEXT NOT NULL,
				record BLOB NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS email_threads (
				id TEXT PRIMARY KEY,
				removal_attempt_id TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL,
				record BLOB NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS email_messages (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				record BLOB NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS verification_schedules (
				id TEXT PRIMARY KEY,
				removal_attempt_id TEXT NOT NULL,
				due_at TEXT NOT NULL,
				record BLOB NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS insights (
				id TEXT PRIMARY KEY,
				record BLOB NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id TEXT PRIMARY KEY,
				subject TEXT NOT NULL,
				action TEXT NOT NULL,
				outcome TEXT NOT NULL,
				record BLOB NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS permissions (
				id TEXT PRIMARY KEY,
				subject TEXT NOT NULL,
				kind TEXT NOT NULL,
				record BLOB NOT NULL,
				revoked_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS scheduler_tasks (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				class TEXT NOT NULL,
				state TEXT NOT NULL,
				checkpoint BLOB,
				record BLOB NOT NULL,
				not_before TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
}

// applyMigrations brings db up to the latest schema version. It is
// idempotent and forward-only: a version already applied is skipped.
func applyMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist yet; start from 0.
		current = 0
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration tx: %w", err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("applying migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clearing schema_version: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording schema_version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		current = m.version
	}
	return nil
}
