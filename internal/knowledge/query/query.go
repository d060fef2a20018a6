// Package query implements the unified knowledge_search operation (spec
// §4.2): scope-filtered candidate selection, hybrid BM25+dense retrieval,
// Reciprocal Rank Fusion, trust/status/docs adjustments, and graph
// expansion hydration.
//
// There is no single teacher file this adapts directly — it is the
// composition root wiring together internal/knowledge/search (adapted
// from memory-core/internal/search), internal/knowledge/hybrid (new RRF
// math), and internal/knowledge/graph (new traversal) into the four
// query shapes the spec lists.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/embedding"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/graph"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/hybrid"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/notefile"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/search"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

const snippetChars = 200

// Engine is the read path over the knowledge index.
type Engine struct {
	db       *sql.DB
	provider embedding.Provider
	vecOn    bool
}

func NewEngine(db *sql.DB, provider embedding.Provider, vecAvailable bool) *Engine {
	return &Engine{db: db, provider: provider, vecOn: vecAvailable}
}

// NoteSearch implements the "note search" shape: ownership-scoped hybrid
// search over shared_note/ghost_note rows.
func (e *Engine) NoteSearch(ctx context.Context, q string, ghost string, ownership entity.Ownership, cfg entity.QueryConfig) ([]entity.NoteSummary, error) {
	filters := entity.ResolveScopeFilters(entity.CategoryNotes, ownership, ghost)
	noteIDs, err := e.candidateNoteIDs(filters)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, q, noteIDs, cfg, false)
}

// DiarySearch implements the "diary search" shape: always ghost-scoped.
func (e *Engine) DiarySearch(ctx context.Context, q string, ghost string, cfg entity.QueryConfig) ([]entity.DiaryHit, error) {
	filters := entity.ResolveScopeFilters(entity.CategoryDiary, entity.OwnershipPrivate, ghost)
	noteIDs, err := e.candidateNoteIDs(filters)
	if err != nil {
		return nil, err
	}
	summaries, err := e.run(ctx, q, noteIDs, cfg, false)
	if err != nil {
		return nil, err
	}
	hits := make([]entity.DiaryHit, 0, len(summaries))
	for _, s := range summaries {
		hits = append(hits, entity.DiaryHit{Date: s.Title, NoteID: s.ID, Score: s.Score, Snippet: s.Snippet})
	}
	return hits, nil
}

// ReferenceSearch implements the "reference file search" shape: excludes
// obsolete files from the candidate set before fusion, applies the
// problematic-status penalty and docs-role boost, and optionally returns
// the matched topic's body.
func (e *Engine) ReferenceSearch(ctx context.Context, q string, ownership entity.Ownership, ghost string, topicID string, cfg entity.QueryConfig) (*entity.SearchResults, error) {
	filters := entity.ResolveScopeFilters(entity.CategoryReferences, ownership, ghost)
	noteIDs, err := e.candidateNoteIDs(filters)
	if err != nil {
		return nil, err
	}
	noteIDs, err = e.excludeObsolete(noteIDs, topicID)
	if err != nil {
		return nil, err
	}

	summaries, err := e.run(ctx, q, noteIDs, cfg, true)
	if err != nil {
		return nil, err
	}

	result := &entity.SearchResults{References: summaries}
	if topicID != "" {
		if topic, err := store.GetNote(e.db, topicID); err == nil {
			result.TopicBody = topicBody(topic.Path)
		}
	}
	return result, nil
}

// topicBody reads the matched topic note from disk and strips its front
// matter, the form the LLM context wants.
func topicBody(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	parsed, err := notefile.Parse(string(raw))
	if err != nil {
		return ""
	}
	return parsed.Body
}

// TopicSearch implements the "topic search" shape: shared notes that
// have at least one reference_files child.
func (e *Engine) TopicSearch(ctx context.Context, q string, cfg entity.QueryConfig) ([]entity.NoteSummary, error) {
	rows, err := e.db.Query(`SELECT DISTINCT n.id FROM ` + store.TableNotes + ` n
		JOIN ` + store.TableReferenceFiles + ` rf ON rf.topic_id = n.id
		WHERE n.scope = ?`, string(entity.ScopeSharedNote))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var noteIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		noteIDs = append(noteIDs, id)
	}
	return e.run(ctx, q, noteIDs, cfg, false)
}

// Unified runs the categories requested (or all four when none are
// given) and merges them into one SearchResults (spec §4.2
// "knowledge_search").
func (e *Engine) Unified(ctx context.Context, q string, categories []string, ghost string, ownership entity.Ownership, topicID string, cfg entity.QueryConfig) (*entity.SearchResults, error) {
	want := func(c string) bool {
		if len(categories) == 0 {
			return true
		}
		for _, v := range categories {
			if v == c {
				return true
			}
		}
		return false
	}

	result := &entity.SearchResults{}
	if want("notes") {
		notes, err := e.NoteSearch(ctx, q, ghost, ownership, cfg)
		if err != nil {
			return nil, fmt.Errorf("note search: %w", err)
		}
		result.Notes = notes
	}
	if want("diary") {
		diary, err := e.DiarySearch(ctx, q, ghost, cfg)
		if err != nil {
			return nil, fmt.Errorf("diary search: %w", err)
		}
		result.Diary = diary
	}
	if want("references") {
		refs, err := e.ReferenceSearch(ctx, q, ownership, ghost, topicID, cfg)
		if err != nil {
			return nil, fmt.Errorf("reference search: %w", err)
		}
		result.References = refs.References
		result.TopicBody = refs.TopicBody
	}
	if want("topics") {
		topics, err := e.TopicSearch(ctx, q, cfg)
		if err != nil {
			return nil, fmt.Errorf("topic search: %w", err)
		}
		result.Topics = topics
	}
	return result, nil
}

func (e *Engine) candidateNoteIDs(filters []entity.ScopeFilter) ([]string, error) {
	var out []string
	for _, f := range filters {
		var rows *sql.Rows
		var err error
		if f.Shared {
			rows, err = e.db.Query(`SELECT id FROM `+store.TableNotes+` WHERE scope = ? AND owner_ghost IS NULL`, string(f.Scope))
		} else {
			rows, err = e.db.Query(`SELECT id FROM `+store.TableNotes+` WHERE scope = ? AND owner_ghost = ?`, string(f.Scope), f.OwnerGhost)
		}
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, id)
		}
		rows.Close()
	}
	return out, nil
}

// excludeObsolete drops notes whose reference_files row is status
// obsolete (optionally scoped to one topic), per spec §4.2 step 5.
func (e *Engine) excludeObsolete(noteIDs []string, topicID string) ([]string, error) {
	if len(noteIDs) == 0 {
		return noteIDs, nil
	}
	obsolete := map[string]bool{}
	q := `SELECT file_id FROM ` + store.TableReferenceFiles + ` WHERE status = 'obsolete'`
	args := []interface{}{}
	if topicID != "" {
		q += ` AND topic_id = ?`
		args = append(args, topicID)
	}
	rows, err := e.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		obsolete[id] = true
	}

	out := make([]string, 0, len(noteIDs))
	for _, id := range noteIDs {
		if !obsolete[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, q string, noteIDs []string, cfg entity.QueryConfig, referenceAdjustments bool) ([]entity.NoteSummary, error) {
	if len(noteIDs) == 0 {
		return nil, nil
	}

	keyword, err := search.Keyword(e.db, q, noteIDs, cfg.BM25Limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	var dense []search.VectorHit
	if e.provider != nil {
		qvec, err := e.provider.EmbedQuery(ctx, q)
		if err != nil {
			qvec = nil
		}
		dense, err = search.Dense(e.db, e.vecOn, qvec, noteIDs, cfg.DenseLimit)
		if err != nil {
			return nil, fmt.Errorf("dense search: %w", err)
		}
	}

	candidates := hybrid.Fuse(keyword, dense, cfg.RRFK)

	trust, err := e.trustByNote(candidates)
	if err != nil {
		return nil, err
	}
	candidates = hybrid.ApplyTrustBoost(candidates, trust)

	if referenceAdjustments {
		role, status, err := e.referenceMeta(candidates)
		if err != nil {
			return nil, err
		}
		candidates = hybrid.ApplyReferenceAdjustments(candidates, role, status, cfg.DocBoost)
	}

	if len(candidates) > cfg.MaxResults {
		candidates = candidates[:cfg.MaxResults]
	}

	// Graph expansion respects the same scope filter as the query: only
	// notes in the candidate set may appear as parents or link endpoints.
	allowed := make(map[string]bool, len(noteIDs))
	for _, id := range noteIDs {
		allowed[id] = true
	}

	out := make([]entity.NoteSummary, 0, len(candidates))
	for _, c := range candidates {
		note, err := store.GetNote(e.db, c.NoteID)
		if err != nil {
			continue
		}
		summary := entity.NoteSummary{
			ID:         note.ID,
			Title:      note.Title,
			Archetype:  note.Archetype,
			Path:       note.Path,
			Scope:      note.Scope,
			TrustScore: note.TrustScore,
			Score:      c.Score,
			Snippet:    truncate(c.Snippet, snippetChars),
		}
		parents, linksOut, linksIn, tags, err := graph.Expand(e.db, note.ID, allowed, cfg.GraphDepth, cfg.GraphMax)
		if err == nil {
			for _, p := range parents {
				summary.Parents = append(summary.Parents, entity.NoteSummary{ID: p.ID, Title: p.Title, Archetype: p.Archetype})
			}
			summary.LinksOut = linksOut
			summary.LinksIn = linksIn
			summary.Tags = tags
		}
		out = append(out, summary)
	}
	return out, nil
}

func (e *Engine) trustByNote(candidates []hybrid.Candidate) (map[string]int, error) {
	out := map[string]int{}
	for _, c := range candidates {
		note, err := store.GetNote(e.db, c.NoteID)
		if err != nil {
			continue
		}
		out[c.NoteID] = note.TrustScore
	}
	return out, nil
}

func (e *Engine) referenceMeta(candidates []hybrid.Candidate) (map[string]entity.ReferenceFileRole, map[string]entity.ReferenceFileStatus, error) {
	role := map[string]entity.ReferenceFileRole{}
	status := map[string]entity.ReferenceFileStatus{}
	for _, c := range candidates {
		row := e.db.QueryRow(`SELECT role, status FROM `+store.TableReferenceFiles+` WHERE file_id = ?`, c.NoteID)
		var r, s string
		if err := row.Scan(&r, &s); err != nil {
			continue
		}
		role[c.NoteID] = entity.ReferenceFileRole(r)
		status[c.NoteID] = entity.ReferenceFileStatus(s)
	}
	return role, status, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
