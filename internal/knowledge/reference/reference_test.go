package reference

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/manager"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

type stubEmbedder struct{}

func (stubEmbedder) ID() string    { return "stub" }
func (stubEmbedder) Model() string { return "stub" }
func (stubEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "index.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	schema, err := store.EnsureSchema(db, nil)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if !schema.FTSAvailable {
		t.Skip("FTS5 not available in this sqlite build")
	}

	notesRoot := filepath.Join(dir, "shared", "notes")
	refRoot := filepath.Join(dir, "shared", "references")
	os.MkdirAll(notesRoot, 0o755)
	os.MkdirAll(refRoot, 0o755)

	mgr := manager.New(db, stubEmbedder{}, []manager.ScopeRoot{
		{Root: notesRoot, Scope: entity.ScopeSharedNote},
		{Root: refRoot, Scope: entity.ScopeSharedReference},
	}, time.Millisecond)
	return NewService(db, mgr, refRoot, notesRoot), db
}

func TestSaveCreatesTopicAndBindsFile(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	note, err := svc.Save(ctx, "Rust Stdlib", "foo.md", "hello", "https://example.com/foo", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if note.Archetype != "ReferenceDocs" {
		t.Errorf("archetype = %q", note.Archetype)
	}

	// The file on disk is the raw content, bit for bit.
	data, err := os.ReadFile(note.Path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("disk content = %q, %v", data, err)
	}

	// The topic exists as a plain shared note with a junction child.
	topic, err := store.GetNoteByTitle(db, "Rust Stdlib", []entity.Scope{entity.ScopeSharedNote})
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	files, err := store.ListReferenceFiles(db, topic.ID)
	if err != nil || len(files) != 1 {
		t.Fatalf("reference files = %v, %v", files, err)
	}
	if files[0].FileID != note.ID || files[0].Status != entity.ReferenceStatusActive {
		t.Fatalf("junction row = %+v", files[0])
	}
}

func TestSaveInfersCodeRole(t *testing.T) {
	svc, _ := newTestService(t)
	note, err := svc.Save(context.Background(), "Rust Stdlib", "lib.rs", "pub fn hello() {}\n", "", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if note.Archetype != "ReferenceCode" {
		t.Errorf("archetype = %q", note.Archetype)
	}
}

func TestMovePreservesContent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	orig, err := svc.Save(ctx, "Topic One", "foo.md", "hello", "", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	moved, err := svc.Move(ctx, orig.ID, "Topic Two", "")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ID == orig.ID {
		t.Fatal("move reused the original note id")
	}

	data, err := os.ReadFile(moved.Path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("moved content = %q, %v", data, err)
	}
	if _, err := os.Stat(orig.Path); !os.IsNotExist(err) {
		t.Fatal("original file still exists")
	}
	if _, err := store.GetNote(db, orig.ID); err == nil {
		t.Fatal("original note row still exists")
	}

	chunks, err := store.GetChunks(db, moved.ID)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunk count = %d, want 1", len(chunks))
	}

	// Moving back yields bit-identical content again under the origin.
	back, err := svc.Move(ctx, moved.ID, "Topic One", "")
	if err != nil {
		t.Fatalf("move back: %v", err)
	}
	data, _ = os.ReadFile(back.Path)
	if string(data) != "hello" {
		t.Fatalf("round-trip content = %q", data)
	}
}

func TestStatusTransitionsExcludeObsolete(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	note, err := svc.Save(ctx, "Topic", "doc.md", "searchable body text", "", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	topic, _ := store.GetNoteByTitle(db, "Topic", []entity.Scope{entity.ScopeSharedNote})

	if err := svc.SetStatus(topic.ID, note.ID, entity.ReferenceStatusProblematic); err != nil {
		t.Fatalf("set problematic: %v", err)
	}
	if err := svc.SetStatus(topic.ID, note.ID, entity.ReferenceStatusActive); err != nil {
		t.Fatalf("back to active: %v", err)
	}
	if err := svc.SetStatus(topic.ID, note.ID, entity.ReferenceStatusObsolete); err != nil {
		t.Fatalf("set obsolete: %v", err)
	}
	// Obsolete is terminal: the file cannot go back to active.
	if err := svc.SetStatus(topic.ID, note.ID, entity.ReferenceStatusActive); err == nil {
		t.Fatal("obsolete file returned to active")
	}

	files, _ := store.ListReferenceFiles(db, topic.ID)
	if len(files) != 1 || files[0].Status != entity.ReferenceStatusObsolete {
		t.Fatalf("junction = %+v", files)
	}
	// The file contents never change with status.
	data, _ := os.ReadFile(note.Path)
	if string(data) != "searchable body text" {
		t.Fatalf("content changed: %q", data)
	}
}
