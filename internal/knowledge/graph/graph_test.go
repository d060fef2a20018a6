package graph

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "index.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := store.EnsureSchema(db, nil); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

func insertNote(t *testing.T, db *sql.DB, id, title, parent string) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	note := entity.Note{
		ID: id, Title: title, Archetype: "Concept",
		Path: "/tmp/" + id + ".md", Scope: entity.ScopeSharedNote,
		TrustScore: 5, CreatedAt: time.Now(),
		CreatedBy: entity.Attribution{Ghost: "g", Model: "m"},
		Version:   1, ParentID: parent, ContentHash: "h-" + id,
	}
	if err := store.UpsertNote(tx, note); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func link(t *testing.T, db *sql.DB, source, targetTitle, targetID string) {
	t.Helper()
	tx, _ := db.Begin()
	err := store.ReplaceLinks(tx, source, []entity.Link{
		{SourceID: source, TargetTitle: targetTitle, TargetID: targetID},
	})
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	tx.Commit()
}

func allow(ids ...string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func TestExpandCycleTerminates(t *testing.T) {
	db := openTestDB(t)
	// A → B → C → A: a cycle the expansion must not loop on.
	insertNote(t, db, "a", "A", "")
	insertNote(t, db, "b", "B", "")
	insertNote(t, db, "c", "C", "")
	link(t, db, "a", "B", "b")
	link(t, db, "b", "C", "c")
	link(t, db, "c", "A", "a")

	parents, out, in, _, err := Expand(db, "a", allow("a", "b", "c"), 5, 20)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(parents) != 0 {
		t.Errorf("parents = %v", parents)
	}
	if len(out) == 0 || len(in) == 0 {
		t.Fatalf("cycle neighborhood missing links: out=%v in=%v", out, in)
	}
	// Bounded output despite the cycle.
	if len(out)+len(in) > 20 {
		t.Fatalf("expansion exceeded cap: %d links", len(out)+len(in))
	}
}

func TestExpandParentChainBoundedByDepth(t *testing.T) {
	db := openTestDB(t)
	insertNote(t, db, "root", "Root", "")
	insertNote(t, db, "mid", "Mid", "root")
	insertNote(t, db, "leaf", "Leaf", "mid")
	allowed := allow("root", "mid", "leaf")

	// Depth 1 returns exactly one hop, not the whole ancestor chain.
	parents, _, _, _, err := Expand(db, "leaf", allowed, 1, 20)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(parents) != 1 || parents[0].ID != "mid" {
		t.Fatalf("depth-1 parents = %+v, want just mid", parents)
	}

	parents, _, _, _, err = Expand(db, "leaf", allowed, 5, 20)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(parents) != 2 || parents[0].ID != "mid" || parents[1].ID != "root" {
		t.Fatalf("depth-5 parents = %+v", parents)
	}
}

func TestExpandRespectsScopeFilter(t *testing.T) {
	db := openTestDB(t)
	// A shared note with a private parent, a private note linking in,
	// and an outbound link resolved to a private note: none of the
	// private ids may survive a shared-only expansion.
	insertNote(t, db, "shared", "Shared", "private-parent")
	insertNote(t, db, "private-parent", "Private Parent", "")
	insertNote(t, db, "private-in", "Private In", "")
	insertNote(t, db, "private-out", "Private Out", "")
	link(t, db, "shared", "Private Out", "private-out")
	link(t, db, "private-in", "Shared", "shared")

	parents, out, in, _, err := Expand(db, "shared", allow("shared"), 5, 20)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(parents) != 0 {
		t.Fatalf("out-of-scope parent leaked: %+v", parents)
	}
	for _, l := range out {
		if l.TargetID == "private-out" {
			t.Fatalf("out-of-scope link target leaked: %+v", l)
		}
	}
	if len(in) != 0 {
		t.Fatalf("out-of-scope inbound link leaked: %+v", in)
	}
}

func TestExpandSelfCycleParent(t *testing.T) {
	db := openTestDB(t)
	// Parent chain forming a loop must still terminate.
	insertNote(t, db, "x", "X", "y")
	insertNote(t, db, "y", "Y", "x")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, _, _, err := Expand(db, "x", allow("x", "y"), 5, 20); err != nil {
			t.Errorf("expand: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expansion did not terminate on a cyclic parent chain")
	}
}
