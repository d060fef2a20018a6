// Package hybrid fuses the BM25 and dense search legs into one ranked
// list. The teacher's memory-core/internal/hybrid package fuses with a
// weighted sum of raw scores (MergeResults); this spec calls for true
// Reciprocal Rank Fusion instead, so only the FTS-query-building and
// snippet-handling shape is kept from the teacher, the fusion math is
// new (spec §4.2 "Hybrid search fusion").
package hybrid

import (
	"sort"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/search"
)

// Candidate is one note's fused ranking state before trust/status/doc
// adjustments are applied.
type Candidate struct {
	NoteID  string
	Score   float64
	Snippet string
}

// Fuse combines BM25 and dense hits with Reciprocal Rank Fusion:
// score(note) = sum over legs of 1/(k + rank), ranks are 1-based within
// each leg, and a note absent from a leg contributes nothing for it
// (spec §4.2 step 6, "true RRF, not a weighted blend of raw scores").
func Fuse(keyword []search.KeywordHit, dense []search.VectorHit, k int) []Candidate {
	scores := map[string]float64{}
	snippets := map[string]string{}

	for rank, hit := range keyword {
		scores[hit.NoteID] += 1.0 / float64(k+rank+1)
		if snippets[hit.NoteID] == "" {
			snippets[hit.NoteID] = hit.Snippet
		}
	}
	for rank, hit := range dense {
		scores[hit.NoteID] += 1.0 / float64(k+rank+1)
		if snippets[hit.NoteID] == "" {
			snippets[hit.NoteID] = hit.Snippet
		}
	}

	out := make([]Candidate, 0, len(scores))
	for id, s := range scores {
		out = append(out, Candidate{NoteID: id, Score: s, Snippet: snippets[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NoteID < out[j].NoteID
	})
	return out
}

// ApplyTrustBoost scales each candidate's score by its note's trust
// score, per spec §4.2 step 4: boost = 1 + trust_score/20.
func ApplyTrustBoost(candidates []Candidate, trustByNote map[string]int) []Candidate {
	for i, c := range candidates {
		trust := trustByNote[c.NoteID]
		boost := 1.0 + float64(trust)/20.0
		if boost < 0 {
			boost = 0
		}
		candidates[i].Score = c.Score * boost
	}
	resort(candidates)
	return candidates
}

// ApplyReferenceAdjustments applies the reference-only status penalty
// (problematic chunks multiplied by 0.5; obsolete files must already be
// excluded from the candidate set before fusion, per spec §4.2 step 5)
// and the docs-role boost (step 6: role=docs multiplied by docBoost).
func ApplyReferenceAdjustments(candidates []Candidate, role map[string]entity.ReferenceFileRole, status map[string]entity.ReferenceFileStatus, docBoost float64) []Candidate {
	for i, c := range candidates {
		if status[c.NoteID] == entity.ReferenceStatusProblematic {
			candidates[i].Score *= 0.5
		}
		if role[c.NoteID] == entity.ReferenceRoleDocs {
			candidates[i].Score *= docBoost
		}
	}
	resort(candidates)
	return candidates
}

func resort(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].NoteID < candidates[j].NoteID
	})
}
