package manager

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/notefile"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

// fakeEmbedder returns deterministic small vectors without any HTTP.
type fakeEmbedder struct {
	calls int
	fail  bool
}

func (f *fakeEmbedder) ID() string    { return "fake" }
func (f *fakeEmbedder) Model() string { return "fake-embed" }

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(context.Background(), []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t) % 7), 1, 2, 3}
	}
	return out, nil
}

type testEnv struct {
	db     *sql.DB
	mgr    *Manager
	shared string
	ftsOK  bool
}

func newTestEnv(t *testing.T, emb *fakeEmbedder) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "index.sqlite3"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	schema, err := store.EnsureSchema(db, nil)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	shared := filepath.Join(dir, "shared", "notes")
	if err := os.MkdirAll(shared, 0o755); err != nil {
		t.Fatal(err)
	}
	roots := []ScopeRoot{{Root: shared, Scope: entity.ScopeSharedNote}}
	mgr := New(db, emb, roots, time.Millisecond)
	return &testEnv{db: db, mgr: mgr, shared: shared, ftsOK: schema.FTSAvailable}
}

func (e *testEnv) requireFTS(t *testing.T) {
	t.Helper()
	if !e.ftsOK {
		t.Skip("FTS5 not available in this sqlite build")
	}
}

func writeNote(t *testing.T, dir, title, body string, tags []string) string {
	t.Helper()
	fm := notefile.FrontMatter{
		ID:        uuid.NewString(),
		Title:     title,
		Archetype: "Concept",
		CreatedAt: time.Now().UTC(),
		TrustScore: 5,
		Version:   1,
		Tags:      tags,
		CreatedBy: entity.Attribution{Ghost: "wisp", Model: "claude"},
	}
	content, err := notefile.Render(fm, body)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	path := filepath.Join(dir, notefile.Slugify(title)+".md")
	if err := notefile.AtomicWrite(path, []byte(content)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func noteCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + store.TableNotes).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestReconcileIndexesAndPrunes(t *testing.T) {
	emb := &fakeEmbedder{}
	env := newTestEnv(t, emb)
	env.requireFTS(t)
	ctx := context.Background()

	path := writeNote(t, env.shared, "Rust Result", "Use Result for recoverable errors.", []string{"rust"})
	if err := env.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if noteCount(t, env.db) != 1 {
		t.Fatalf("note count = %d after first reconcile", noteCount(t, env.db))
	}
	callsAfterIndex := emb.calls

	// An unchanged workspace reconciles without re-embedding anything.
	if err := env.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if emb.calls != callsAfterIndex {
		t.Fatalf("unchanged reconcile re-embedded: calls %d -> %d", callsAfterIndex, emb.calls)
	}

	// A deleted file prunes the note and its derived rows.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile after delete: %v", err)
	}
	if noteCount(t, env.db) != 0 {
		t.Fatal("deleted file still indexed")
	}
	var chunks int
	env.db.QueryRow(`SELECT COUNT(*) FROM ` + store.TableChunks).Scan(&chunks)
	if chunks != 0 {
		t.Fatalf("orphan chunks remain: %d", chunks)
	}
}

func TestReconcileIgnoresTmpAndBadFiles(t *testing.T) {
	env := newTestEnv(t, &fakeEmbedder{})
	env.requireFTS(t)
	ctx := context.Background()

	os.WriteFile(filepath.Join(env.shared, "half-written.md.tmp"), []byte("+++"), 0o644)
	os.WriteFile(filepath.Join(env.shared, "no-front-matter.md"), []byte("just text"), 0o644)

	if err := env.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if noteCount(t, env.db) != 0 {
		t.Fatal("invalid files were indexed")
	}
}

func TestEmbedFailureKeepsLexicalAndRetries(t *testing.T) {
	emb := &fakeEmbedder{fail: true}
	env := newTestEnv(t, emb)
	env.requireFTS(t)
	ctx := context.Background()

	path := writeNote(t, env.shared, "Degraded", "Body that should still be findable lexically.", nil)
	err := env.mgr.IndexNote(ctx, path, entity.ScopeSharedNote, "")
	if err == nil {
		t.Fatal("embedding failure did not fail the operation")
	}
	// The note and its chunks survived for lexical search.
	if noteCount(t, env.db) != 1 {
		t.Fatal("note row missing after embed failure")
	}

	// The recorded hash must not match the file, so the next sweep
	// retries once the embedder recovers.
	emb.fail = false
	if err := env.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("recovery reconcile: %v", err)
	}
	var hash string
	env.db.QueryRow(`SELECT content_hash FROM ` + store.TableNotes).Scan(&hash)
	if len(hash) != 64 {
		t.Fatalf("hash not restored after recovery: %q", hash)
	}
}

func TestCreateNoteScopeInvariant(t *testing.T) {
	env := newTestEnv(t, &fakeEmbedder{})
	ctx := context.Background()

	_, err := env.mgr.CreateNote(ctx, CreateParams{
		Title:      "Bad",
		Body:       "x",
		Scope:      entity.ScopeSharedNote,
		OwnerGhost: "wisp", // shared scope must not carry an owner
		CreatedBy:  entity.Attribution{Ghost: "wisp", Model: "m"},
	})
	if err == nil {
		t.Fatal("shared scope with owner accepted")
	}

	_, err = env.mgr.CreateNote(ctx, CreateParams{
		Title:     "Bad2",
		Body:      "x",
		Scope:     entity.ScopeGhostNote, // private scope needs an owner
		CreatedBy: entity.Attribution{Ghost: "wisp", Model: "m"},
	})
	if err == nil {
		t.Fatal("private scope without owner accepted")
	}
}

func TestCreateAndUpdateNote(t *testing.T) {
	env := newTestEnv(t, &fakeEmbedder{})
	env.requireFTS(t)
	ctx := context.Background()

	note, err := env.mgr.CreateNote(ctx, CreateParams{
		Title:     "Rust Result",
		Archetype: "Concept",
		Tags:      []string{"rust/errors"},
		Body:      "Use Result for recoverable errors.",
		Scope:     entity.ScopeSharedNote,
		CreatedBy: entity.Attribution{Ghost: "wisp", Model: "claude"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if note.Version != 1 || note.TrustScore != 5 {
		t.Fatalf("created note = %+v", note)
	}
	// Hierarchical tag becomes a nested directory.
	wantDir := filepath.Join(env.shared, "rust", "errors")
	if filepath.Dir(note.Path) != wantDir {
		t.Fatalf("note path = %s, want under %s", note.Path, wantDir)
	}

	chunksBefore, err := store.GetChunks(env.db, note.ID)
	if err != nil {
		t.Fatal(err)
	}

	// A no-op update bumps the version and leaves chunk content equal.
	updated, err := env.mgr.UpdateNote(ctx, note.ID, UpdateParams{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != note.Version+1 {
		t.Fatalf("version = %d, want %d", updated.Version, note.Version+1)
	}
	if updated.ID != note.ID {
		t.Fatal("update changed the note id")
	}
	chunksAfter, err := store.GetChunks(env.db, note.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunksAfter) != len(chunksBefore) {
		t.Fatalf("chunk count changed: %d -> %d", len(chunksBefore), len(chunksAfter))
	}
	for i := range chunksAfter {
		if chunksAfter[i].Content != chunksBefore[i].Content || chunksAfter[i].Ordinal != chunksBefore[i].Ordinal {
			t.Fatalf("chunk %d changed on no-op update", i)
		}
	}
}
