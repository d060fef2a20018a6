// Package manager orchestrates the knowledge engine's two write paths:
// indexing a single note file (parse, chunk, embed, persist) and
// reconciling a scope root against the on-disk truth (spec §4.1
// "Reconciliation").
//
// Grounded on the teacher's memory-core/manager.go (Sync/indexFile
// pipeline: list files, compare content hash, delete-then-reinsert
// derived rows, prune stale paths) generalized from a single workspace
// directory with one memory source to the spec's multiple scope roots
// (shared/ghost notes, diary, references, topics) each indexed the same
// way.
package manager

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/chunk"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/embedding"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/links"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/notefile"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
)

// ScopeRoot binds a filesystem directory to the scope notes found under
// it get indexed as.
type ScopeRoot struct {
	Root       string
	Scope      entity.Scope
	OwnerGhost string // empty for shared scopes
}

// Manager indexes note files into the sqlite knowledge index and keeps
// it reconciled against the filesystem.
type Manager struct {
	db       *sql.DB
	provider embedding.Provider
	roots    []ScopeRoot

	minReconcileInterval time.Duration

	mu            sync.Mutex
	lastReconcile time.Time
}

// AddRoot registers another scope root at runtime (a freshly created
// ghost's notes/diary directories); duplicates are ignored.
func (m *Manager) AddRoot(root ScopeRoot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roots {
		if r == root {
			return
		}
	}
	m.roots = append(m.roots, root)
}

func (m *Manager) rootsSnapshot() []ScopeRoot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScopeRoot, len(m.roots))
	copy(out, m.roots)
	return out
}

func New(db *sql.DB, provider embedding.Provider, roots []ScopeRoot, minReconcileInterval time.Duration) *Manager {
	return &Manager{
		db:                    db,
		provider:              provider,
		roots:                 roots,
		minReconcileInterval: minReconcileInterval,
	}
}

// IndexNote parses, chunks, embeds, and persists a single note file. It
// is the common path used both by direct writes (note_create/note_update)
// and by reconciliation discovering a changed file.
func (m *Manager) IndexNote(ctx context.Context, path string, scope entity.Scope, ownerGhost string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read note: %w", err)
	}

	parsed, err := notefile.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("parse note %s: %w", path, err)
	}
	if err := parsed.Validate(); err != nil {
		return fmt.Errorf("validate note %s: %w", path, err)
	}

	contentHash := hashContent(raw)

	existing, err := store.GetNote(m.db, parsed.FrontMatter.ID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lookup existing note: %w", err)
	}
	if err == nil && existing.ContentHash == contentHash {
		return nil // unchanged, nothing to reindex
	}

	note := entity.Note{
		ID:              parsed.FrontMatter.ID,
		Title:           parsed.FrontMatter.Title,
		Archetype:       parsed.FrontMatter.EffectiveArchetype(),
		Path:            path,
		Scope:           scope,
		OwnerGhost:      ownerGhost,
		TrustScore:      parsed.FrontMatter.TrustScore,
		CreatedAt:       parsed.FrontMatter.CreatedAt,
		CreatedBy:       parsed.FrontMatter.CreatedBy,
		LastValidatedAt: parsed.FrontMatter.LastValidatedAt,
		LastValidatedBy: parsed.FrontMatter.LastValidatedBy,
		Version:         parsed.FrontMatter.Version,
		ParentID:        parsed.FrontMatter.Parent,
		Comments:        parsed.FrontMatter.Comments,
		ContentHash:     contentHash,
	}
	if note.Version == 0 {
		note.Version = 1
	}

	pieces := chunk.ChunkMarkdown(parsed.Body)
	chunks := chunk.ToChunks(note.ID, pieces)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	var vectors [][]float32
	var embedErr error
	if m.provider != nil && len(texts) > 0 {
		vectors, embedErr = m.provider.EmbedBatch(ctx, texts)
		if embedErr != nil {
			log.Warn("embed batch failed for note %s: %v", note.ID, embedErr)
			vectors = nil
			// Record a hash that can never match the file so the next
			// reconcile sweep reindexes (and re-embeds) this note; the
			// note, chunks, and FTS rows below still land, so lexical
			// search keeps working while dense search is degraded.
			note.ContentHash = "embed-pending:" + contentHash
		}
	}

	linkTitles := links.Extract(parsed.Body)
	linkRows := make([]entity.Link, 0, len(linkTitles))
	for _, title := range linkTitles {
		target, err := store.GetNoteByTitle(m.db, title, resolutionScopes(scope, ownerGhost))
		targetID := ""
		if err == nil {
			targetID = target.ID
		}
		linkRows = append(linkRows, entity.Link{SourceID: note.ID, TargetTitle: title, TargetID: targetID})
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := store.UpsertNote(tx, note); err != nil {
		return err
	}
	chunkIDs, err := store.ReplaceChunks(tx, note.ID, chunks)
	if err != nil {
		return err
	}
	if err := store.ReplaceTags(tx, note.ID, parsed.FrontMatter.Tags); err != nil {
		return err
	}
	if err := store.ReplaceLinks(tx, note.ID, linkRows); err != nil {
		return err
	}
	if err := store.ResolveLinkTargets(tx, note.Title, note.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if len(vectors) == len(chunkIDs) {
		for i, id := range chunkIDs {
			if err := store.InsertVecChunk(m.db, id, vectors[i]); err != nil {
				log.Warn("insert vec chunk failed for note %s: %v", note.ID, err)
			}
		}
	}
	if embedErr != nil {
		return fmt.Errorf("embed note %s: %w", note.ID, embedErr)
	}

	return nil
}

// DeleteNote removes a note and every derived row: chunks (base, FTS,
// and vector tables), tags, outbound links, and the note row itself;
// inbound links pointing at it are nulled rather than deleted, since
// the wiki link in the other note's body still exists.
func (m *Manager) DeleteNote(ctx context.Context, id string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := store.ReplaceChunks(tx, id, nil); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE `+store.TableLinks+` SET target_id = NULL WHERE target_id = ?`, id); err != nil {
		return fmt.Errorf("null inbound links: %w", err)
	}
	if err := store.DeleteNote(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Reconcile walks every configured scope root, reindexing files whose
// content hash changed and dropping index rows for files no longer on
// disk (spec §4.1 "filesystem is the source of truth").
func (m *Manager) Reconcile(ctx context.Context) error {
	known := map[string]bool{}

	for _, root := range m.rootsSnapshot() {
		if err := m.reconcileRoot(ctx, root, known); err != nil {
			log.Warn("reconcile root %s failed: %v", root.Root, err)
		}
	}
	return m.pruneMissing(ctx, known)
}

// pruneMissing deletes index rows whose file no longer exists on disk.
// Only notes belonging to a managed scope root are considered, so a
// ghost root that is not configured in this process never has its rows
// swept out from under it.
func (m *Manager) pruneMissing(ctx context.Context, known map[string]bool) error {
	rows, err := m.db.Query(`SELECT id, path, scope, owner_ghost FROM ` + store.TableNotes)
	if err != nil {
		return fmt.Errorf("list notes for prune: %w", err)
	}
	type stale struct{ id, path string }
	var toDelete []stale
	for rows.Next() {
		var id, path, scope string
		var owner sql.NullString
		if err := rows.Scan(&id, &path, &scope, &owner); err != nil {
			rows.Close()
			return err
		}
		if known[path] || !m.managesScope(entity.Scope(scope), owner.String) {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			continue
		}
		toDelete = append(toDelete, stale{id: id, path: path})
	}
	rows.Close()

	for _, s := range toDelete {
		if err := m.DeleteNote(ctx, s.id); err != nil {
			log.Warn("prune note %s (%s): %v", s.id, s.path, err)
		}
	}
	return nil
}

func (m *Manager) managesScope(scope entity.Scope, ownerGhost string) bool {
	for _, r := range m.rootsSnapshot() {
		if r.Scope == scope && r.OwnerGhost == ownerGhost {
			return true
		}
	}
	return false
}

func (m *Manager) reconcileRoot(ctx context.Context, root ScopeRoot, known map[string]bool) error {
	if _, err := os.Stat(root.Root); err != nil {
		return nil // scope root not yet created; nothing to reconcile
	}
	isReference := root.Scope == entity.ScopeSharedReference || root.Scope == entity.ScopeGhostReference
	return filepath.WalkDir(root.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		if isReference {
			// Reference files keep their raw bytes (code or docs, no
			// front matter); their identity is the existing note row by
			// path. Files not yet registered via reference_save are left
			// for that operation to claim.
			known[path] = true
			note, nerr := store.GetNoteByPath(m.db, path)
			if nerr != nil {
				return nil
			}
			if ierr := m.IndexReferenceFile(ctx, path, RefFileParams{
				ID:         note.ID,
				Title:      note.Title,
				Archetype:  note.Archetype,
				Scope:      root.Scope,
				OwnerGhost: root.OwnerGhost,
				CreatedBy:  note.CreatedBy,
			}); ierr != nil {
				log.Warn("reindex reference %s failed: %v", path, ierr)
			}
			return nil
		}
		if !strings.HasSuffix(path, ".md") {
			return nil
		}
		known[path] = true
		if ierr := m.IndexNote(ctx, path, root.Scope, root.OwnerGhost); ierr != nil {
			log.Warn("reindex %s failed: %v", path, ierr)
		}
		return nil
	})
}

// MaybeReconcile triggers a reconcile only if the minimum interval has
// elapsed since the last run, per spec §4.1's "lazy, min-interval gated"
// reconciliation trigger.
func (m *Manager) MaybeReconcile(ctx context.Context) {
	m.mu.Lock()
	due := time.Since(m.lastReconcile) >= m.minReconcileInterval
	if due {
		m.lastReconcile = time.Now()
	}
	m.mu.Unlock()

	if !due {
		return
	}
	if err := m.Reconcile(ctx); err != nil {
		log.Warn("reconcile failed: %v", err)
	}
}

func resolutionScopes(scope entity.Scope, ownerGhost string) []entity.Scope {
	if scope.IsShared() {
		return []entity.Scope{entity.ScopeSharedNote, entity.ScopeSharedReference}
	}
	return []entity.Scope{entity.ScopeSharedNote, entity.ScopeSharedReference, scope}
}

func hashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
