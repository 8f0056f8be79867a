// Package sqlite backs the store interfaces with a single embedded
// database file (standalone mode). The schema is bootstrapped on open,
// so a fresh install needs no migration step.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

// Open opens the database file, creating it if missing, and applies the
// schema. The caller owns the returned handle.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection; concurrent sessions would otherwise race into
	// SQLITE_BUSY on overlapping writes.
	db.SetMaxOpenConns(1)
	if err := bootstrap(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by one SQLite handle.
func NewSQLiteStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Tasks:     NewSQLiteTaskStore(db),
		Chat:      NewSQLiteChatStore(db),
		Actions:   NewSQLiteActionStore(db),
		Turns:     NewSQLiteTurnStore(db),
		Subagents: NewSQLiteSubagentStore(db),
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		session_id   TEXT NOT NULL,
		id           TEXT NOT NULL,
		parent_id    TEXT,
		type         TEXT NOT NULL,
		title        TEXT NOT NULL,
		description  TEXT,
		status       TEXT NOT NULL,
		dependencies TEXT NOT NULL DEFAULT '[]',
		result       TEXT,
		error        TEXT,
		assigned_to  TEXT,
		created_at   INTEGER NOT NULL,
		started_at   INTEGER,
		completed_at INTEGER,
		metadata     TEXT,
		PRIMARY KEY (session_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		tool_calls TEXT,
		timestamp  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS action_log (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		timestamp      INTEGER NOT NULL,
		tool           TEXT NOT NULL,
		action         TEXT NOT NULL,
		input          TEXT,
		output_summary TEXT,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		success        INTEGER NOT NULL DEFAULT 1,
		error          TEXT,
		message_id     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_action_log_session ON action_log (session_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS turns (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		status       TEXT NOT NULL,
		heartbeat_at INTEGER,
		checkpoint   TEXT,
		attempt      INTEGER NOT NULL DEFAULT 1,
		task_id      TEXT,
		created_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_status ON turns (status)`,
	`CREATE TABLE IF NOT EXISTS active_subagents (
		task_id    TEXT PRIMARY KEY,
		facet_name TEXT NOT NULL,
		session_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		status     TEXT NOT NULL,
		props_json TEXT
	)`,
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// nullStr maps the row codec's zero-value convention onto SQL NULL.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
