package hybrid

import (
	"math"
	"testing"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/search"
)

const k = 60

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestFuseBothLegs(t *testing.T) {
	keyword := []search.KeywordHit{
		{NoteID: "n1", Snippet: "lex one"},
		{NoteID: "n2", Snippet: "lex two"},
	}
	dense := []search.VectorHit{
		{NoteID: "n2", Snippet: "dense one"},
		{NoteID: "n3", Snippet: "dense two"},
	}
	out := Fuse(keyword, dense, k)

	scores := map[string]float64{}
	for _, c := range out {
		scores[c.NoteID] = c.Score
	}
	// n2 appears at rank 2 lexically and rank 1 densely.
	if want := 1.0/(k+2) + 1.0/(k+1); !almostEqual(scores["n2"], want) {
		t.Errorf("n2 score = %v, want %v", scores["n2"], want)
	}
	// Single-leg chunks contribute only that leg's term.
	if want := 1.0 / (k + 1); !almostEqual(scores["n1"], want) {
		t.Errorf("n1 score = %v, want %v", scores["n1"], want)
	}
	if want := 1.0 / (k + 2); !almostEqual(scores["n3"], want) {
		t.Errorf("n3 score = %v, want %v", scores["n3"], want)
	}
	if out[0].NoteID != "n2" {
		t.Errorf("top hit = %s, want n2", out[0].NoteID)
	}
}

func TestFuseTieBreaksByID(t *testing.T) {
	keyword := []search.KeywordHit{{NoteID: "zeta"}}
	dense := []search.VectorHit{{NoteID: "alpha"}}
	out := Fuse(keyword, dense, k)
	// Identical 1/(k+1) scores; stable order is ascending note id.
	if out[0].NoteID != "alpha" || out[1].NoteID != "zeta" {
		t.Fatalf("tie-break order = %s, %s", out[0].NoteID, out[1].NoteID)
	}
}

func TestApplyTrustBoost(t *testing.T) {
	candidates := []Candidate{{NoteID: "a", Score: 1.0}, {NoteID: "b", Score: 1.0}}
	out := ApplyTrustBoost(candidates, map[string]int{"a": 0, "b": 10})
	var scoreA, scoreB float64
	for _, c := range out {
		if c.NoteID == "a" {
			scoreA = c.Score
		} else {
			scoreB = c.Score
		}
	}
	if !almostEqual(scoreA, 1.0) {
		t.Errorf("trust 0 boost = %v, want 1.0", scoreA)
	}
	if !almostEqual(scoreB, 1.5) {
		t.Errorf("trust 10 boost = %v, want 1.5", scoreB)
	}
	if out[0].NoteID != "b" {
		t.Error("boost did not re-sort")
	}
}

func TestApplyReferenceAdjustments(t *testing.T) {
	candidates := []Candidate{
		{NoteID: "docs", Score: 1.0},
		{NoteID: "problem", Score: 1.0},
		{NoteID: "plain", Score: 1.0},
	}
	role := map[string]entity.ReferenceFileRole{"docs": entity.ReferenceRoleDocs}
	status := map[string]entity.ReferenceFileStatus{"problem": entity.ReferenceStatusProblematic}
	out := ApplyReferenceAdjustments(candidates, role, status, 1.2)

	scores := map[string]float64{}
	for _, c := range out {
		scores[c.NoteID] = c.Score
	}
	if !almostEqual(scores["docs"], 1.2) {
		t.Errorf("docs boost = %v", scores["docs"])
	}
	if !almostEqual(scores["problem"], 0.5) {
		t.Errorf("problematic penalty = %v", scores["problem"])
	}
	if !almostEqual(scores["plain"], 1.0) {
		t.Errorf("plain score = %v", scores["plain"])
	}
}
