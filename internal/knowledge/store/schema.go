// Package store owns the sqlite-backed knowledge index: schema creation,
// CRUD for notes/chunks/tags/links/reference files, and the FTS5 + vec0
// virtual tables hybrid search reads from.
//
// Grounded on the teacher's memory-core/store/schema.go (EnsureSchema,
// the FTS5-then-vec0 creation order, the "best effort, record availability
// rather than fail hard" pattern for optional virtual tables) generalized
// from a single-tenant file index to the spec's multi-scope note index.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const (
	TableMeta          = "meta"
	TableNotes         = "notes"
	TableChunks        = "chunks"
	TableChunksFTS     = "chunks_fts"
	TableChunksVec     = "chunks_vec"
	TableTags          = "tags"
	TableLinks         = "links"
	TableReferenceFiles = "reference_files"
)

// SchemaResult reports which optional virtual tables came up, the way the
// teacher's SchemaResult does for FTS5/vec0.
type SchemaResult struct {
	FTSAvailable bool
	FTSError     string
	VecAvailable bool
	VecError     string
}

// VecConfig configures the optional sqlite-vec dense index.
type VecConfig struct {
	Enabled       bool
	Dimensions    int
	ExtensionPath string
}

// Open opens the sqlite database at path in WAL mode (spec §6.3 "single
// writer, WAL mode for concurrent readers").
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// EnsureSchema creates the control tables plus the FTS5 and, if
// configured, vec0 virtual tables used for hybrid search.
func EnsureSchema(db *sql.DB, vec *VecConfig) (*SchemaResult, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableMeta + ` (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableNotes + ` (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			archetype TEXT NOT NULL DEFAULT 'note',
			path TEXT NOT NULL,
			scope TEXT NOT NULL,
			owner_ghost TEXT,
			trust_score INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			created_by_ghost TEXT NOT NULL,
			created_by_model TEXT NOT NULL,
			last_validated_at INTEGER,
			last_validated_by_ghost TEXT,
			last_validated_by_model TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			parent_id TEXT,
			content_hash TEXT NOT NULL,
			comments_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_scope ON ` + TableNotes + `(scope)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_owner ON ` + TableNotes + `(owner_ghost)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_title ON ` + TableNotes + `(title)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_parent ON ` + TableNotes + `(parent_id)`,
		`CREATE TABLE IF NOT EXISTS ` + TableChunks + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			note_id TEXT NOT NULL REFERENCES ` + TableNotes + `(id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_note ON ` + TableChunks + `(note_id)`,
		`CREATE TABLE IF NOT EXISTS ` + TableTags + ` (
			note_id TEXT NOT NULL REFERENCES ` + TableNotes + `(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (note_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_tag ON ` + TableTags + `(tag)`,
		`CREATE TABLE IF NOT EXISTS ` + TableLinks + ` (
			source_id TEXT NOT NULL REFERENCES ` + TableNotes + `(id) ON DELETE CASCADE,
			target_title TEXT NOT NULL,
			target_id TEXT,
			PRIMARY KEY (source_id, target_title)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_target ON ` + TableLinks + `(target_id)`,
		`CREATE TABLE IF NOT EXISTS ` + TableReferenceFiles + ` (
			topic_id TEXT NOT NULL REFERENCES ` + TableNotes + `(id) ON DELETE CASCADE,
			file_id TEXT NOT NULL REFERENCES ` + TableNotes + `(id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			source_url TEXT,
			role TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			fetched_at INTEGER NOT NULL,
			PRIMARY KEY (topic_id, file_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reffiles_topic ON ` + TableReferenceFiles + `(topic_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("exec schema: %w", err)
		}
	}

	result := &SchemaResult{}

	ftsSQL := `CREATE VIRTUAL TABLE IF NOT EXISTS ` + TableChunksFTS + ` USING fts5(
		content,
		title,
		chunk_id UNINDEXED,
		note_id UNINDEXED
	)`
	if _, err := db.Exec(ftsSQL); err != nil {
		result.FTSError = err.Error()
	} else {
		result.FTSAvailable = true
	}

	if vec != nil && vec.Enabled && vec.Dimensions > 0 {
		if vec.ExtensionPath != "" {
			_, _ = db.Exec("SELECT load_extension(?)", vec.ExtensionPath)
		}
		vecSQL := fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(chunk_id INTEGER PRIMARY KEY, embedding float[%d])`,
			TableChunksVec, vec.Dimensions)
		if _, err := db.Exec(vecSQL); err != nil {
			result.VecError = err.Error()
		} else {
			result.VecAvailable = true
		}
	}
	if !result.VecAvailable {
		// Without vec0, embeddings are kept as JSON text in a plain table
		// that the brute-force cosine search scans.
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + TableChunksVec + ` (
			chunk_id INTEGER PRIMARY KEY,
			embedding TEXT NOT NULL
		)`); err != nil {
			return nil, fmt.Errorf("exec schema: %w", err)
		}
	}

	return result, nil
}

func GetMeta(db *sql.DB, key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM `+TableMeta+` WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func SetMeta(db *sql.DB, key, value string) error {
	_, err := db.Exec(`INSERT INTO `+TableMeta+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
