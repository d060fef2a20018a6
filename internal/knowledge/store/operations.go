package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
)

// UpsertNote writes a note row, replacing any existing row with the same
// ID. Chunks, tags, and links are replaced wholesale by the caller via
// ReplaceChunks/ReplaceTags/ReplaceLinks within the same transaction, the
// way the teacher's indexFile deletes-then-reinserts derived rows on
// every reindex rather than diffing them.
func UpsertNote(tx *sql.Tx, n entity.Note) error {
	comments, err := json.Marshal(n.Comments)
	if err != nil {
		return fmt.Errorf("marshal comments: %w", err)
	}

	var lastValidatedAt sql.NullInt64
	if n.LastValidatedAt != nil {
		lastValidatedAt = sql.NullInt64{Int64: n.LastValidatedAt.Unix(), Valid: true}
	}
	var lvGhost, lvModel sql.NullString
	if n.LastValidatedBy != nil {
		lvGhost = sql.NullString{String: n.LastValidatedBy.Ghost, Valid: true}
		lvModel = sql.NullString{String: n.LastValidatedBy.Model, Valid: true}
	}
	var ownerGhost sql.NullString
	if n.OwnerGhost != "" {
		ownerGhost = sql.NullString{String: n.OwnerGhost, Valid: true}
	}
	var parentID sql.NullString
	if n.ParentID != "" {
		parentID = sql.NullString{String: n.ParentID, Valid: true}
	}

	_, err = tx.Exec(`INSERT INTO `+TableNotes+` (
		id, title, archetype, path, scope, owner_ghost, trust_score,
		created_at, created_by_ghost, created_by_model,
		last_validated_at, last_validated_by_ghost, last_validated_by_model,
		version, parent_id, content_hash, comments_json
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		title=excluded.title, archetype=excluded.archetype, path=excluded.path,
		scope=excluded.scope, owner_ghost=excluded.owner_ghost,
		trust_score=excluded.trust_score,
		last_validated_at=excluded.last_validated_at,
		last_validated_by_ghost=excluded.last_validated_by_ghost,
		last_validated_by_model=excluded.last_validated_by_model,
		version=excluded.version, parent_id=excluded.parent_id,
		content_hash=excluded.content_hash, comments_json=excluded.comments_json`,
		n.ID, n.Title, n.Archetype, n.Path, string(n.Scope), ownerGhost, n.TrustScore,
		n.CreatedAt.Unix(), n.CreatedBy.Ghost, n.CreatedBy.Model,
		lastValidatedAt, lvGhost, lvModel,
		n.Version, parentID, n.ContentHash, string(comments),
	)
	if err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

func DeleteNote(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`DELETE FROM `+TableNotes+` WHERE id = ?`, id)
	return err
}

// ReplaceChunks deletes a note's existing chunks (and their FTS/vec rows)
// and inserts the new set, returning the assigned chunk IDs in order.
func ReplaceChunks(tx *sql.Tx, noteID string, chunks []entity.Chunk) ([]int64, error) {
	old, err := tx.Query(`SELECT id FROM `+TableChunks+` WHERE note_id = ?`, noteID)
	if err != nil {
		return nil, err
	}
	var oldIDs []int64
	for old.Next() {
		var id int64
		if err := old.Scan(&id); err != nil {
			old.Close()
			return nil, err
		}
		oldIDs = append(oldIDs, id)
	}
	old.Close()

	for _, id := range oldIDs {
		if _, err := tx.Exec(`DELETE FROM `+TableChunksFTS+` WHERE chunk_id = ?`, id); err != nil {
			return nil, err
		}
		tx.Exec(`DELETE FROM `+TableChunksVec+` WHERE chunk_id = ?`, id)
	}
	if _, err := tx.Exec(`DELETE FROM `+TableChunks+` WHERE note_id = ?`, noteID); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		res, err := tx.Exec(`INSERT INTO `+TableChunks+` (note_id, ordinal, title, content) VALUES (?,?,?,?)`,
			noteID, c.Ordinal, c.Title, c.Content)
		if err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`INSERT INTO `+TableChunksFTS+` (rowid, content, title, chunk_id, note_id) VALUES (?,?,?,?,?)`,
			id, c.Content, c.Title, id, noteID); err != nil {
			return nil, fmt.Errorf("insert fts: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func InsertVecChunk(db *sql.DB, chunkID int64, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	vecJSON := float32SliceToJSON(embedding)
	_, err := db.Exec(`INSERT OR REPLACE INTO `+TableChunksVec+` (chunk_id, embedding) VALUES (?, ?)`,
		chunkID, vecJSON)
	return err
}

func float32SliceToJSON(v []float32) string {
	buf := make([]byte, 0, len(v)*10+2)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, []byte(fmt.Sprintf("%g", f))...)
	}
	buf = append(buf, ']')
	return string(buf)
}

// ReplaceTags deletes and reinserts a note's tag set.
func ReplaceTags(tx *sql.Tx, noteID string, tags []string) error {
	if _, err := tx.Exec(`DELETE FROM `+TableTags+` WHERE note_id = ?`, noteID); err != nil {
		return err
	}
	for _, t := range tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO `+TableTags+` (note_id, tag) VALUES (?,?)`, noteID, t); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceLinks deletes and reinserts a note's outbound wiki-links.
func ReplaceLinks(tx *sql.Tx, sourceID string, links []entity.Link) error {
	if _, err := tx.Exec(`DELETE FROM `+TableLinks+` WHERE source_id = ?`, sourceID); err != nil {
		return err
	}
	for _, l := range links {
		var targetID sql.NullString
		if l.TargetID != "" {
			targetID = sql.NullString{String: l.TargetID, Valid: true}
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO `+TableLinks+` (source_id, target_title, target_id) VALUES (?,?,?)`,
			sourceID, l.TargetTitle, targetID); err != nil {
			return err
		}
	}
	return nil
}

// ResolveLinkTargets re-resolves any link whose target_id is still unset
// after a new note with a matching title has been indexed (spec §4.1
// "links resolve lazily as matching titles appear").
func ResolveLinkTargets(tx *sql.Tx, title, id string) error {
	_, err := tx.Exec(`UPDATE `+TableLinks+` SET target_id = ? WHERE target_title = ? AND target_id IS NULL`, id, title)
	return err
}

func UpsertReferenceFile(tx *sql.Tx, rf entity.ReferenceFile) error {
	var sourceURL sql.NullString
	if rf.SourceURL != "" {
		sourceURL = sql.NullString{String: rf.SourceURL, Valid: true}
	}
	_, err := tx.Exec(`INSERT INTO `+TableReferenceFiles+` (
		topic_id, file_id, path, source_url, role, status, fetched_at
	) VALUES (?,?,?,?,?,?,?)
	ON CONFLICT(topic_id, file_id) DO UPDATE SET
		path=excluded.path, source_url=excluded.source_url, role=excluded.role,
		status=excluded.status, fetched_at=excluded.fetched_at`,
		rf.TopicID, rf.FileID, rf.Path, sourceURL, string(rf.Role), string(rf.Status), rf.FetchedAt.Unix())
	return err
}

func SetReferenceFileStatus(db *sql.DB, topicID, fileID string, status entity.ReferenceFileStatus) error {
	_, err := db.Exec(`UPDATE `+TableReferenceFiles+` SET status = ? WHERE topic_id = ? AND file_id = ?`,
		string(status), topicID, fileID)
	return err
}

func DeleteReferenceFile(tx *sql.Tx, topicID, fileID string) error {
	_, err := tx.Exec(`DELETE FROM `+TableReferenceFiles+` WHERE topic_id = ? AND file_id = ?`, topicID, fileID)
	return err
}

// GetNote loads a single note row by ID.
func GetNote(db *sql.DB, id string) (*entity.Note, error) {
	row := db.QueryRow(`SELECT
		id, title, archetype, path, scope, owner_ghost, trust_score,
		created_at, created_by_ghost, created_by_model,
		last_validated_at, last_validated_by_ghost, last_validated_by_model,
		version, parent_id, content_hash, comments_json
		FROM `+TableNotes+` WHERE id = ?`, id)
	return scanNote(row)
}

// GetNoteByTitle resolves a note by exact title, scoped to a caller-
// supplied set of allowed scopes (spec §4.2 link resolution honors
// scope/ownership access rules, not a global title index).
func GetNoteByTitle(db *sql.DB, title string, scopes []entity.Scope) (*entity.Note, error) {
	if len(scopes) == 0 {
		return nil, sql.ErrNoRows
	}
	args := make([]interface{}, 0, len(scopes)+1)
	args = append(args, title)
	placeholders := ""
	for i, s := range scopes {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(s))
	}
	row := db.QueryRow(`SELECT
		id, title, archetype, path, scope, owner_ghost, trust_score,
		created_at, created_by_ghost, created_by_model,
		last_validated_at, last_validated_by_ghost, last_validated_by_model,
		version, parent_id, content_hash, comments_json
		FROM `+TableNotes+` WHERE title = ? AND scope IN (`+placeholders+`) LIMIT 1`, args...)
	return scanNote(row)
}

// GetNoteByPath resolves a note by its on-disk location, the identity
// reconciliation has for files that carry no front matter (reference
// files).
func GetNoteByPath(db *sql.DB, path string) (*entity.Note, error) {
	row := db.QueryRow(`SELECT id, title, archetype, path, scope, owner_ghost, trust_score,
		created_at, created_by_ghost, created_by_model,
		last_validated_at, last_validated_by_ghost, last_validated_by_model,
		version, parent_id, content_hash, comments_json
		FROM `+TableNotes+` WHERE path = ? LIMIT 1`, path)
	return scanNote(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(row rowScanner) (*entity.Note, error) {
	var n entity.Note
	var scope string
	var ownerGhost, lvGhost, lvModel, parentID sql.NullString
	var lastValidatedAt sql.NullInt64
	var createdAtUnix int64
	var comments string

	err := row.Scan(&n.ID, &n.Title, &n.Archetype, &n.Path, &scope, &ownerGhost, &n.TrustScore,
		&createdAtUnix, &n.CreatedBy.Ghost, &n.CreatedBy.Model,
		&lastValidatedAt, &lvGhost, &lvModel,
		&n.Version, &parentID, &n.ContentHash, &comments)
	if err != nil {
		return nil, err
	}
	n.Scope = entity.Scope(scope)
	n.OwnerGhost = ownerGhost.String
	n.ParentID = parentID.String
	n.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	if lastValidatedAt.Valid {
		t := time.Unix(lastValidatedAt.Int64, 0).UTC()
		n.LastValidatedAt = &t
	}
	if lvGhost.Valid {
		n.LastValidatedBy = &entity.Attribution{Ghost: lvGhost.String, Model: lvModel.String}
	}
	if comments != "" {
		_ = json.Unmarshal([]byte(comments), &n.Comments)
	}
	return &n, nil
}

func GetChunks(db *sql.DB, noteID string) ([]entity.Chunk, error) {
	rows, err := db.Query(`SELECT id, note_id, ordinal, title, content FROM `+TableChunks+` WHERE note_id = ? ORDER BY ordinal`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Chunk
	for rows.Next() {
		var c entity.Chunk
		if err := rows.Scan(&c.ID, &c.NoteID, &c.Ordinal, &c.Title, &c.Content); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func GetTags(db *sql.DB, noteID string) ([]string, error) {
	rows, err := db.Query(`SELECT tag FROM `+TableTags+` WHERE note_id = ?`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func GetLinksOut(db *sql.DB, noteID string) ([]entity.Link, error) {
	rows, err := db.Query(`SELECT source_id, target_title, target_id FROM `+TableLinks+` WHERE source_id = ?`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Link
	for rows.Next() {
		var l entity.Link
		var targetID sql.NullString
		if err := rows.Scan(&l.SourceID, &l.TargetTitle, &targetID); err != nil {
			return nil, err
		}
		l.TargetID = targetID.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func GetLinksIn(db *sql.DB, noteID string) ([]entity.Link, error) {
	rows, err := db.Query(`SELECT source_id, target_title, target_id FROM `+TableLinks+` WHERE target_id = ?`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Link
	for rows.Next() {
		var l entity.Link
		var targetID sql.NullString
		if err := rows.Scan(&l.SourceID, &l.TargetTitle, &targetID); err != nil {
			return nil, err
		}
		l.TargetID = targetID.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetParents follows parent_id upward for at most maxHops hops,
// stopping early on a dangling parent or a cycle.
func GetParents(db *sql.DB, noteID string, maxHops int) ([]entity.Note, error) {
	note, err := GetNote(db, noteID)
	if err != nil {
		return nil, err
	}
	var out []entity.Note
	seen := map[string]bool{}
	for note.ParentID != "" && !seen[note.ParentID] && len(out) < maxHops {
		seen[note.ParentID] = true
		parent, err := GetNote(db, note.ParentID)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *parent)
		note = parent
	}
	return out, nil
}

func ListReferenceFiles(db *sql.DB, topicID string) ([]entity.ReferenceFile, error) {
	rows, err := db.Query(`SELECT topic_id, file_id, path, source_url, role, status, fetched_at
		FROM `+TableReferenceFiles+` WHERE topic_id = ?`, topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.ReferenceFile
	for rows.Next() {
		var rf entity.ReferenceFile
		var sourceURL sql.NullString
		var role, status string
		var fetchedAt int64
		if err := rows.Scan(&rf.TopicID, &rf.FileID, &rf.Path, &sourceURL, &role, &status, &fetchedAt); err != nil {
			return nil, err
		}
		rf.SourceURL = sourceURL.String
		rf.Role = entity.ReferenceFileRole(role)
		rf.Status = entity.ReferenceFileStatus(status)
		rf.FetchedAt = time.Unix(fetchedAt, 0).UTC()
		out = append(out, rf)
	}
	return out, rows.Err()
}
