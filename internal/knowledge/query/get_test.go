package query

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

func openTestEngine(t *testing.T) (*Engine, *sql.DB, bool) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "index.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	schema, err := store.EnsureSchema(db, nil)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewEngine(db, nil, false), db, schema.FTSAvailable
}

func insertNote(t *testing.T, db *sql.DB, id, title string, scope entity.Scope, owner string, chunks []entity.Chunk) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	note := entity.Note{
		ID: id, Title: title, Archetype: "Concept",
		Path: "/tmp/" + id + ".md", Scope: scope, OwnerGhost: owner,
		TrustScore: 5, CreatedAt: time.Now(),
		CreatedBy: entity.Attribution{Ghost: "g", Model: "m"},
		Version:   1, ContentHash: "h-" + id,
	}
	if err := store.UpsertNote(tx, note); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(chunks) > 0 {
		if _, err := store.ReplaceChunks(tx, id, chunks); err != nil {
			t.Fatalf("chunks: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryGetAccessControl(t *testing.T) {
	engine, db, _ := openTestEngine(t)

	insertNote(t, db, "secret-1", "Secret", entity.ScopeGhostNote, "ghost-a", nil)
	insertNote(t, db, "shared-1", "Common Knowledge", entity.ScopeSharedNote, "", nil)

	// The owner reads its private note.
	note, err := engine.MemoryGet("ghost-a", "Secret", entity.OwnershipPrivate)
	if err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if note.ID != "secret-1" {
		t.Fatalf("owner got %s", note.ID)
	}

	// Another ghost gets an unambiguous access denial, never not-found.
	var denied *ErrAccessDenied
	_, err = engine.MemoryGet("ghost-b", "Secret", entity.OwnershipPrivate)
	if !errors.As(err, &denied) {
		t.Fatalf("cross-ghost private read: err = %v, want ErrAccessDenied", err)
	}
	_, err = engine.MemoryGet("ghost-b", "Secret", entity.OwnershipAll)
	if !errors.As(err, &denied) {
		t.Fatalf("cross-ghost all read: err = %v, want ErrAccessDenied", err)
	}

	// Ownership shared never returns a private note, even to its owner.
	_, err = engine.MemoryGet("ghost-a", "Secret", entity.OwnershipShared)
	if !errors.As(err, &denied) {
		t.Fatalf("shared-only read of private note: err = %v", err)
	}

	// Shared notes are reachable with all/shared but not private-only.
	if _, err := engine.MemoryGet("ghost-b", "Common Knowledge", entity.OwnershipShared); err != nil {
		t.Fatalf("shared read: %v", err)
	}
	_, err = engine.MemoryGet("ghost-b", "Common Knowledge", entity.OwnershipPrivate)
	if !errors.As(err, &denied) {
		t.Fatalf("private-only read of shared note: err = %v", err)
	}

	// A truly unknown note is a distinct error kind.
	var unknown *ErrUnknownNote
	_, err = engine.MemoryGet("ghost-a", "does-not-exist", entity.OwnershipAll)
	if !errors.As(err, &unknown) {
		t.Fatalf("unknown note: err = %v, want ErrUnknownNote", err)
	}
}

func TestMemoryGetByID(t *testing.T) {
	engine, db, _ := openTestEngine(t)
	insertNote(t, db, "abc-123", "Titled Differently", entity.ScopeSharedNote, "", nil)

	note, err := engine.MemoryGet("any-ghost", "abc-123", entity.OwnershipAll)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if note.Title != "Titled Differently" {
		t.Fatalf("note = %+v", note)
	}
}

func TestPrivateIsolationInSearch(t *testing.T) {
	engine, db, ftsOK := openTestEngine(t)
	if !ftsOK {
		t.Skip("FTS5 not available in this sqlite build")
	}

	insertNote(t, db, "secret-1", "Secret", entity.ScopeGhostNote, "ghost-a", []entity.Chunk{
		{NoteID: "secret-1", Ordinal: 0, Title: "Intro", Content: "the launch codes are hidden"},
	})

	// Ghost B's private search sees nothing of ghost A's scope.
	hits, err := engine.NoteSearch(context.Background(), "launch codes", "ghost-b", entity.OwnershipPrivate, entity.DefaultQueryConfig())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("private leak: ghost-b found %d hits", len(hits))
	}

	// A shared-only search never returns owner-bearing rows either.
	hits, err = engine.NoteSearch(context.Background(), "launch codes", "ghost-b", entity.OwnershipShared, entity.DefaultQueryConfig())
	if err != nil {
		t.Fatalf("shared search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("shared search leaked a private note: %d hits", len(hits))
	}

	// The owner's private search finds it.
	hits, err = engine.NoteSearch(context.Background(), "launch codes", "ghost-a", entity.OwnershipPrivate, entity.DefaultQueryConfig())
	if err != nil {
		t.Fatalf("owner search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "secret-1" {
		t.Fatalf("owner search hits = %+v", hits)
	}
}
