package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/chunk"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

// RefFileParams identifies a reference file being indexed verbatim.
// Reference files keep their original bytes on disk (a fetched .rs file
// stays a plain .rs file, no front matter), so identity and attribution
// come from the caller instead of a parsed header.
type RefFileParams struct {
	ID        string
	Title     string
	Archetype string
	Scope     entity.Scope
	OwnerGhost string
	CreatedBy entity.Attribution
}

// IndexReferenceFile chunks and indexes a reference file: code files go
// through the tree-sitter declaration chunker keyed by extension,
// everything else through the markdown chunker. Same hash-skip and
// embed-failure policy as IndexNote.
func (m *Manager) IndexReferenceFile(ctx context.Context, path string, p RefFileParams) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read reference file: %w", err)
	}
	contentHash := hashContent(raw)

	existing, err := store.GetNote(m.db, p.ID)
	if err == nil && existing.ContentHash == contentHash {
		return nil
	}

	note := entity.Note{
		ID:          p.ID,
		Title:       p.Title,
		Archetype:   p.Archetype,
		Path:        path,
		Scope:       p.Scope,
		OwnerGhost:  p.OwnerGhost,
		TrustScore:  defaultTrustScore,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   p.CreatedBy,
		Version:     1,
		ContentHash: contentHash,
	}
	if existing != nil {
		note.CreatedAt = existing.CreatedAt
		note.Version = existing.Version + 1
	}

	var pieces []chunk.Piece
	ext := filepath.Ext(path)
	if isCodeExtension(ext) {
		pieces = chunk.ChunkCode(ext, raw)
	} else {
		pieces = chunk.ChunkMarkdown(string(raw))
	}
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
			vectors = nil
			note.ContentHash = "embed-pending:" + contentHash
		}
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
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if len(vectors) == len(chunkIDs) {
		for i, id := range chunkIDs {
			if err := store.InsertVecChunk(m.db, id, vectors[i]); err != nil {
				return fmt.Errorf("insert vec chunk: %w", err)
			}
		}
	}
	if embedErr != nil {
		return fmt.Errorf("embed reference file %s: %w", note.ID, embedErr)
	}
	return nil
}

func isCodeExtension(ext string) bool {
	switch ext {
	case ".rs", ".py", ".js", ".jsx", ".ts", ".tsx", ".go":
		return true
	}
	return false
}
