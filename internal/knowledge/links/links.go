// Package links extracts wiki-style `[[Target Title]]` references from a
// note body (spec §4.1 "Link extraction"). Resolution of the extracted
// titles to note IDs happens at index time against the caller's scope
// class, in internal/knowledge/store.
package links

import "regexp"

var wikiLinkPattern = regexp.MustCompile(`\[\[([^\[\]|]+)(?:\|[^\[\]]*)?\]\]`)

// Extract returns the distinct target titles referenced via `[[Title]]`
// or `[[Title|display text]]` syntax, in first-occurrence order.
func Extract(body string) []string {
	matches := wikiLinkPattern.FindAllStringSubmatch(body, -1)
	if matches == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		title := trimTitle(m[1])
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		out = append(out, title)
	}
	return out
}

func trimTitle(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
