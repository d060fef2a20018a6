// Package reference implements the reference-topic operations of spec
// §4.3: saving a fetched file under a topic, moving a file between
// topics, setting file status, and deleting a file along with every row
// it touches.
package reference

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/manager"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/notefile"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

// Service performs reference topic/file mutations against a root
// directory holding `references/<topic-dir>/<file>` layout (spec §6.2).
type Service struct {
	db        *sql.DB
	mgr       *manager.Manager
	refRoot   string
	notesRoot string
}

func NewService(db *sql.DB, mgr *manager.Manager, refRoot, notesRoot string) *Service {
	return &Service{db: db, mgr: mgr, refRoot: refRoot, notesRoot: notesRoot}
}

// Save implements reference_save(topic, path, content, source_url?,
// role?): resolve-or-create the topic note, write the file under it, and
// bind it via a reference_files row.
func (s *Service) Save(ctx context.Context, topic, relPath, content, sourceURL string, role entity.ReferenceFileRole) (*entity.Note, error) {
	topicNote, err := s.resolveOrCreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("resolve topic: %w", err)
	}

	topicDir := filepath.Join(s.refRoot, notefile.Slugify(topicNote.Title))
	if err := os.MkdirAll(topicDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir topic dir: %w", err)
	}

	fullPath := filepath.Join(topicDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir file dir: %w", err)
	}

	fileID := uuid.New().String()
	if role == "" {
		role = roleFromExtension(relPath)
	}
	archetype := "ReferenceDocs"
	if role == entity.ReferenceRoleCode {
		archetype = "ReferenceCode"
	}
	now := time.Now().UTC()

	// Reference files keep their original bytes: a fetched source file
	// must read back bit-identical, so no front matter is added.
	if err := notefile.AtomicWrite(fullPath, []byte(content)); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	if err := s.mgr.IndexReferenceFile(ctx, fullPath, manager.RefFileParams{
		ID:        fileID,
		Title:     filepath.Base(relPath),
		Archetype: archetype,
		Scope:     entity.ScopeSharedReference,
		CreatedBy: entity.Attribution{Ghost: "system", Model: "reference_save"},
	}); err != nil {
		return nil, fmt.Errorf("index file: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := store.UpsertReferenceFile(tx, entity.ReferenceFile{
		TopicID:   topicNote.ID,
		FileID:    fileID,
		Path:      fullPath,
		SourceURL: sourceURL,
		Role:      role,
		Status:    entity.ReferenceStatusActive,
		FetchedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("bind reference file: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return store.GetNote(s.db, fileID)
}

// Move implements reference_file_move(note_id, target_topic,
// target_filename?): re-saves the file's content under the target topic
// preserving its extension, then deletes the original (spec §4.3
// "Move operation").
func (s *Service) Move(ctx context.Context, noteID, targetTopic, targetFilename string) (*entity.Note, error) {
	note, err := store.GetNote(s.db, noteID)
	if err != nil {
		return nil, fmt.Errorf("load note: %w", err)
	}
	raw, err := os.ReadFile(note.Path)
	if err != nil {
		return nil, fmt.Errorf("read original: %w", err)
	}

	filename := targetFilename
	if filename == "" {
		filename = filepath.Base(note.Path)
	} else if filepath.Ext(filename) == "" {
		filename += filepath.Ext(note.Path)
	}

	rf, err := s.refFileRow(noteID)
	if err != nil {
		return nil, fmt.Errorf("load reference row: %w", err)
	}

	created, err := s.Save(ctx, targetTopic, filename, string(raw), rf.SourceURL, rf.Role)
	if err != nil {
		return nil, fmt.Errorf("save under target topic: %w", err)
	}

	if err := s.Delete(ctx, rf.TopicID, noteID); err != nil {
		return nil, fmt.Errorf("delete original: %w", err)
	}
	return created, nil
}

// SetStatus transitions a reference file's lifecycle status. Valid
// transitions: active → problematic | obsolete, problematic ↔ active,
// problematic → obsolete; obsolete is terminal. Only the junction row
// changes, never the file contents.
func (s *Service) SetStatus(topicID, fileID string, status entity.ReferenceFileStatus) error {
	rf, err := s.refFileRow(fileID)
	if err != nil {
		return fmt.Errorf("load reference row: %w", err)
	}
	if rf.Status == entity.ReferenceStatusObsolete && status != entity.ReferenceStatusObsolete {
		return fmt.Errorf("reference file %s is obsolete and cannot return to %s", fileID, status)
	}
	return store.SetReferenceFileStatus(s.db, topicID, fileID, status)
}

// Delete removes a reference file's disk file, index rows, and junction
// row (spec §4.3 "removes disk file, all chunks/FTS/vectors, tags,
// outbound links, nulls inbound links, removes junction row, deletes
// note row").
func (s *Service) Delete(ctx context.Context, topicID, fileID string) error {
	note, err := store.GetNote(s.db, fileID)
	if err != nil {
		return fmt.Errorf("load note: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := store.DeleteReferenceFile(tx, topicID, fileID); err != nil {
		return fmt.Errorf("delete junction row: %w", err)
	}
	// Virtual tables carry no FK cascade: clear FTS/vec rows explicitly
	// and null inbound links before the note row goes.
	if _, err := store.ReplaceChunks(tx, fileID, nil); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.Exec(`UPDATE `+store.TableLinks+` SET target_id = NULL WHERE target_id = ?`, fileID); err != nil {
		return fmt.Errorf("null inbound links: %w", err)
	}
	if err := store.DeleteNote(tx, fileID); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := os.Remove(note.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *Service) refFileRow(fileID string) (*entity.ReferenceFile, error) {
	row := s.db.QueryRow(`SELECT topic_id, file_id, path, source_url, role, status, fetched_at
		FROM `+store.TableReferenceFiles+` WHERE file_id = ?`, fileID)
	var rf entity.ReferenceFile
	var sourceURL sql.NullString
	var role, status string
	var fetchedAt int64
	if err := row.Scan(&rf.TopicID, &rf.FileID, &rf.Path, &sourceURL, &role, &status, &fetchedAt); err != nil {
		return nil, err
	}
	rf.SourceURL = sourceURL.String
	rf.Role = entity.ReferenceFileRole(role)
	rf.Status = entity.ReferenceFileStatus(status)
	rf.FetchedAt = time.Unix(fetchedAt, 0).UTC()
	return &rf, nil
}

// resolveOrCreateTopic resolves a topic by exact title match, falling
// back to case-insensitive LIKE, creating a new shared topic note if
// absent (spec §4.3 step 1).
func (s *Service) resolveOrCreateTopic(ctx context.Context, title string) (*entity.Note, error) {
	if n, err := store.GetNoteByTitle(s.db, title, []entity.Scope{entity.ScopeSharedNote}); err == nil {
		return n, nil
	}

	row := s.db.QueryRow(`SELECT id FROM `+store.TableNotes+` WHERE scope = ? AND title LIKE ? LIMIT 1`,
		string(entity.ScopeSharedNote), "%"+title+"%")
	var id string
	if err := row.Scan(&id); err == nil {
		return store.GetNote(s.db, id)
	}

	return s.createTopic(ctx, title)
}

// createTopic writes a topic as a plain shared note (spec §7 open
// question decision: topics are ordinary shared notes distinguished by
// having reference_files children, not a dedicated "topic.md" file
// inside a ref_<id>/ directory — that older convention is legacy and
// unsupported here).
func (s *Service) createTopic(ctx context.Context, title string) (*entity.Note, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	dir := filepath.Join(s.notesRoot, notefile.Slugify(title))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir topic dir: %w", err)
	}
	path := filepath.Join(dir, notefile.Slugify(title)+".md")

	fm := notefile.FrontMatter{
		ID:        id,
		Title:     title,
		Archetype: "topic",
		CreatedAt: now,
		Version:   1,
		CreatedBy: entity.Attribution{Ghost: "system", Model: "reference_save"},
	}
	body := "Reference topic: " + title
	rendered, err := notefile.Render(fm, body)
	if err != nil {
		return nil, err
	}
	if err := notefile.AtomicWrite(path, []byte(rendered)); err != nil {
		return nil, err
	}
	if err := s.mgr.IndexNote(ctx, path, entity.ScopeSharedNote, ""); err != nil {
		return nil, err
	}
	return store.GetNote(s.db, id)
}

func roleFromExtension(path string) entity.ReferenceFileRole {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt", ".rst":
		return entity.ReferenceRoleDocs
	default:
		return entity.ReferenceRoleCode
	}
}
