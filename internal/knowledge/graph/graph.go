// Package graph expands a search hit's immediate knowledge-graph
// neighborhood (parents, outbound/inbound wiki-links, shared tags) for
// display alongside a search result.
//
// There is no teacher precedent for graph traversal (memory-core is a
// flat file index with no note-to-note relationships); this is grounded
// on the general breadth-first-with-visited-set shape the teacher uses
// elsewhere for bounded traversal (manager.go's directory walk tracks
// visited paths to avoid symlink cycles) applied to the spec's link
// graph (spec §4.2 step 9, "graph expansion must terminate on cyclic
// links").
package graph

import (
	"database/sql"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

// Expand walks outward from rootID up to depth hops across links_out and
// links_in, collecting the tags of every note it visits, stopping at max
// results and never revisiting a note (breaking cycles in the link graph).
//
// allowed is the query's resolved candidate set — the note ids its
// scope/ownership filter admits. Expansion respects the same filter as
// the original query: parents stop at the first out-of-scope ancestor,
// resolved links pointing at (or coming from) out-of-scope notes are
// dropped, and the traversal never steps onto an out-of-scope note, so
// a shared-only query can never surface another ghost's private ids.
func Expand(db *sql.DB, rootID string, allowed map[string]bool, depth, max int) (parents []entity.Note, linksOut, linksIn []entity.Link, tags []string, err error) {
	if depth < 0 {
		depth = 0
	}

	parents, err = store.GetParents(db, rootID, depth)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	parents = trimParents(parents, allowed)

	visited := map[string]bool{rootID: true}
	frontier := []string{rootID}

	var outAll, inAll []entity.Link
	tagSet := map[string]bool{}

	for hop := 0; hop <= depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			if len(outAll)+len(inAll) >= max {
				break
			}

			out, err := store.GetLinksOut(db, id)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			for _, l := range out {
				if l.TargetID != "" && !allowed[l.TargetID] {
					continue
				}
				outAll = append(outAll, l)
				if l.TargetID != "" && !visited[l.TargetID] {
					visited[l.TargetID] = true
					next = append(next, l.TargetID)
				}
			}

			in, err := store.GetLinksIn(db, id)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			for _, l := range in {
				if !allowed[l.SourceID] {
					continue
				}
				inAll = append(inAll, l)
				if !visited[l.SourceID] {
					visited[l.SourceID] = true
					next = append(next, l.SourceID)
				}
			}

			noteTags, err := store.GetTags(db, id)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			for _, t := range noteTags {
				tagSet[t] = true
			}
		}
		frontier = next
	}

	if len(outAll) > max {
		outAll = outAll[:max]
	}
	if len(inAll) > max {
		inAll = inAll[:max]
	}
	for t := range tagSet {
		tags = append(tags, t)
	}
	return parents, outAll, inAll, tags, nil
}

// trimParents cuts the ancestor chain at the first note outside the
// query's scope; everything above it is unreachable without crossing an
// out-of-scope hop.
func trimParents(parents []entity.Note, allowed map[string]bool) []entity.Note {
	for i, p := range parents {
		if !allowed[p.ID] {
			return parents[:i]
		}
	}
	return parents
}
