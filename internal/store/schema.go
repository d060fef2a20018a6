// Package store owns the control database: operators and their platform
// interface bindings, ghosts, sessions, messages, and the shared job_logs
// table the background runners write through.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const (
	TableOperators  = "operators"
	TableInterfaces = "interfaces"
	TableGhosts     = "ghosts"
	TableSessions   = "sessions"
	TableMessages   = "messages"
	TableJobLogs    = "job_logs"
)

// Store wraps the control database handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the control database at path in WAL mode and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open control db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for read-only consumers; writers go through
// Store methods.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableOperators + ` (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			access_level TEXT NOT NULL DEFAULT 'standard',
			rate_limit_per_min INTEGER NOT NULL DEFAULT 0,
			model_override TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableInterfaces + ` (
			platform TEXT NOT NULL,
			external_id TEXT NOT NULL,
			operator_id TEXT NOT NULL REFERENCES ` + TableOperators + `(id) ON DELETE CASCADE,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (platform, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableGhosts + ` (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			owner_operator_id TEXT NOT NULL REFERENCES ` + TableOperators + `(id),
			model_override TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableSessions + ` (
			id TEXT PRIMARY KEY,
			ghost_id TEXT NOT NULL REFERENCES ` + TableGhosts + `(id),
			operator_id TEXT NOT NULL REFERENCES ` + TableOperators + `(id),
			is_active INTEGER NOT NULL DEFAULT 1,
			compaction_summary TEXT NOT NULL DEFAULT '',
			compaction_count INTEGER NOT NULL DEFAULT 0,
			first_kept_index INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_pair ON ` + TableSessions + `(ghost_id, operator_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS ` + TableMessages + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES ` + TableSessions + `(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			blocks_json TEXT NOT NULL,
			model TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON ` + TableMessages + `(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS ` + TableJobLogs + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ghost_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			status TEXT,
			transcript_json TEXT NOT NULL DEFAULT '[]',
			todo_json TEXT,
			handoff_note TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_joblogs_ghost ON ` + TableJobLogs + `(ghost_id, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec control schema: %w", err)
		}
	}
	return nil
}
