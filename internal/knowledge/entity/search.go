package entity

// QueryConfig carries the tunables for a single hybrid search, generalized
// from the teacher's memory-core QueryConfig (bm25/dense limits, RRF k,
// trust/status/docs boosts, and graph expansion depth are new — the
// teacher's single-tenant memory index never needed knowledge-graph
// expansion or per-note trust scoring).
type QueryConfig struct {
	BM25Limit   int     `json:"bm25_limit"`
	DenseLimit  int     `json:"dense_limit"`
	RRFK        int     `json:"rrf_k"`
	MaxResults  int     `json:"max_results"`
	DocBoost    float64 `json:"doc_boost"`
	GraphDepth  int     `json:"graph_depth"`
	GraphMax    int     `json:"graph_max"`
}

// DefaultQueryConfig matches the defaults spelled out in spec §4.2.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		BM25Limit:  20,
		DenseLimit: 20,
		RRFK:       60,
		MaxResults: 8,
		DocBoost:   1.2,
		GraphDepth: 1,
		GraphMax:   20,
	}
}

// NoteSummary is a hydrated, scored search hit (spec §4.2 step 8).
type NoteSummary struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Archetype  string   `json:"archetype"`
	Path       string   `json:"path"`
	Scope      Scope    `json:"scope"`
	TrustScore int      `json:"trust_score"`
	Score      float64  `json:"score"`
	Snippet    string   `json:"snippet"`

	Parents  []NoteSummary `json:"parents,omitempty"`
	LinksOut []Link        `json:"links_out,omitempty"`
	LinksIn  []Link        `json:"links_in,omitempty"`
	Tags     []string      `json:"tags,omitempty"`
}

// DiaryHit is a ranked diary search result (spec §4.2 "diary search").
type DiaryHit struct {
	Date    string  `json:"date"`
	NoteID  string  `json:"note_id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// SearchResults is the structured multi-category result of knowledge_search.
type SearchResults struct {
	Notes      []NoteSummary `json:"notes,omitempty"`
	Diary      []DiaryHit    `json:"diary,omitempty"`
	References []NoteSummary `json:"references,omitempty"`
	TopicBody  string        `json:"topic_body,omitempty"`
	Topics     []NoteSummary `json:"topics,omitempty"`
}
