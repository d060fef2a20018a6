// Package search runs the two retrieval legs hybrid search fuses: BM25
// keyword search against the chunks_fts virtual table, and dense vector
// search against chunk embeddings (sqlite-vec when available, a brute
// force cosine fallback otherwise).
//
// Grounded on the teacher's memory-core/internal/search/search.go
// (SearchKeyword/SearchVector/SearchVectorVec, the "FTS may be absent,
// return empty rather than fail" tolerance) generalized from a single
// provider/model index to the scope-filtered note index.
package search

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

const SnippetMaxChars = 700

// KeywordHit is one BM25 match.
type KeywordHit struct {
	ChunkID   int64
	NoteID    string
	TextScore float64
	Snippet   string
}

// VectorHit is one dense-similarity match.
type VectorHit struct {
	ChunkID     int64
	NoteID      string
	VectorScore float64
	Snippet     string
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// BuildFTSQuery turns free text into an FTS5 AND query over quoted tokens,
// same approach as the teacher's buildFtsQuery.
func BuildFTSQuery(raw string) string {
	tokens := tokenPattern.FindAllString(raw, -1)
	if len(tokens) == 0 {
		return ""
	}
	cleaned := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ReplaceAll(t, `"`, "")
		if t != "" {
			cleaned = append(cleaned, `"`+t+`"`)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	return strings.Join(cleaned, " AND ")
}

// Keyword runs a BM25 search restricted to the given note IDs (the caller
// resolves scope/ownership filters to a candidate note set first).
func Keyword(db *sql.DB, query string, noteIDs []string, limit int) ([]KeywordHit, error) {
	if limit <= 0 || len(noteIDs) == 0 {
		return nil, nil
	}
	ftsQuery := BuildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	placeholders, args := inClause(noteIDs)
	sqlStr := fmt.Sprintf(
		`SELECT chunk_id, note_id, content, bm25(%s) AS rank FROM %s
		 WHERE %s MATCH ? AND note_id IN (%s) ORDER BY rank ASC LIMIT ?`,
		store.TableChunksFTS, store.TableChunksFTS, store.TableChunksFTS, placeholders,
	)
	queryArgs := append([]interface{}{ftsQuery}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := db.Query(sqlStr, queryArgs...)
	if err != nil {
		return nil, nil // FTS unavailable: degrade to keyword-less hybrid.
	}
	defer rows.Close()

	var out []KeywordHit
	for rows.Next() {
		var chunkID int64
		var noteID, content string
		var rank float64
		if err := rows.Scan(&chunkID, &noteID, &content, &rank); err != nil {
			continue
		}
		out = append(out, KeywordHit{
			ChunkID:   chunkID,
			NoteID:    noteID,
			TextScore: bm25RankToScore(rank),
			Snippet:   truncate(content, SnippetMaxChars),
		})
	}
	return out, rows.Err()
}

func bm25RankToScore(rank float64) float64 {
	normalized := rank
	if math.IsInf(rank, 0) || math.IsNaN(rank) {
		normalized = 999
	} else if rank < 0 {
		normalized = 0
	}
	return 1.0 / (1.0 + normalized)
}

// Dense runs a KNN vector search against vec0 when available, falling
// back to in-process cosine similarity over all candidate chunks.
func Dense(db *sql.DB, vecAvailable bool, queryVec []float32, noteIDs []string, limit int) ([]VectorHit, error) {
	if len(queryVec) == 0 || limit <= 0 || len(noteIDs) == 0 {
		return nil, nil
	}
	if vecAvailable {
		return denseVec(db, queryVec, noteIDs, limit)
	}
	return denseCosine(db, queryVec, noteIDs, limit)
}

func denseVec(db *sql.DB, queryVec []float32, noteIDs []string, limit int) ([]VectorHit, error) {
	vecResults, err := store.SearchVec(db, queryVec, limit*3)
	if err != nil || len(vecResults) == 0 {
		return nil, nil
	}
	allowed := toSet(noteIDs)

	var out []VectorHit
	for _, vr := range vecResults {
		row := db.QueryRow(`SELECT note_id, content FROM `+store.TableChunks+` WHERE id = ?`, vr.ChunkID)
		var noteID, content string
		if err := row.Scan(&noteID, &content); err != nil {
			continue
		}
		if !allowed[noteID] {
			continue
		}
		out = append(out, VectorHit{
			ChunkID:     vr.ChunkID,
			NoteID:      noteID,
			VectorScore: 1.0 / (1.0 + vr.Distance),
			Snippet:     truncate(content, SnippetMaxChars),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func denseCosine(db *sql.DB, queryVec []float32, noteIDs []string, limit int) ([]VectorHit, error) {
	placeholders, args := inClause(noteIDs)
	rows, err := db.Query(`SELECT ck.id, ck.note_id, ck.content, ev.embedding
		FROM `+store.TableChunks+` ck
		JOIN `+store.TableChunksVec+` ev ON ev.chunk_id = ck.id
		WHERE ck.note_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()

	type scored struct {
		hit   VectorHit
		score float64
	}
	var scoredResults []scored
	for rows.Next() {
		var chunkID int64
		var noteID, content, embJSON string
		if err := rows.Scan(&chunkID, &noteID, &content, &embJSON); err != nil {
			continue
		}
		vec := parseEmbedding(embJSON)
		s := cosineSimilarity(queryVec, vec)
		if s > 0 {
			scoredResults = append(scoredResults, scored{
				hit:   VectorHit{ChunkID: chunkID, NoteID: noteID, Snippet: truncate(content, SnippetMaxChars)},
				score: s,
			})
		}
	}
	sort.Slice(scoredResults, func(i, j int) bool { return scoredResults[i].score > scoredResults[j].score })
	if limit > len(scoredResults) {
		limit = len(scoredResults)
	}
	out := make([]VectorHit, 0, limit)
	for _, s := range scoredResults[:limit] {
		h := s.hit
		h.VectorScore = s.score
		out = append(out, h)
	}
	return out, nil
}

func parseEmbedding(text string) []float32 {
	var v []float32
	_ = json.Unmarshal([]byte(text), &v)
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func truncate(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars])
}

func inClause(ids []string) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	ph := make([]string, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	return strings.Join(ph, ","), args
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
