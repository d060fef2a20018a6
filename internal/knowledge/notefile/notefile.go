// Package notefile parses and serializes the TOML-front-matter markdown
// note format defined in spec §4.1, and implements the atomic
// write-tmp-then-rename protocol every note mutation must go through.
//
// Grounded on the teacher's atomic-write discipline (memory-core/manager.go
// WriteMemory: write, then swap) generalized to the spec's tmp-then-rename
// requirement, and on github.com/pelletier/go-toml/v2 for the front-matter
// codec (a teacher indirect dependency promoted to direct use here).
package notefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
)

const delimiter = "+++"

// FrontMatter is the decoded `+++`-delimited TOML header of a note file.
type FrontMatter struct {
	ID              string              `toml:"id"`
	Title           string              `toml:"title"`
	Archetype       string              `toml:"archetype,omitempty"`
	Type            string              `toml:"type,omitempty"` // legacy alias for Archetype
	CreatedAt       time.Time           `toml:"created_at"`
	TrustScore      int                 `toml:"trust_score,omitempty"`
	Version         int                 `toml:"version,omitempty"`
	Parent          string              `toml:"parent,omitempty"`
	Tags            []string            `toml:"tags,omitempty"`
	LastValidatedAt *time.Time          `toml:"last_validated_at,omitempty"`
	Source          []entity.Source     `toml:"source,omitempty"`
	CreatedBy       entity.Attribution  `toml:"created_by"`
	LastValidatedBy *entity.Attribution `toml:"last_validated_by,omitempty"`
	Comments        []entity.Comment    `toml:"comments,omitempty"`
}

// EffectiveArchetype resolves the `archetype` field, falling back to the
// legacy `type` key.
func (fm *FrontMatter) EffectiveArchetype() string {
	if fm.Archetype != "" {
		return fm.Archetype
	}
	return fm.Type
}

// ParsedNote is a front matter + body pair extracted from a note file.
type ParsedNote struct {
	FrontMatter FrontMatter
	Body        string
}

// ErrMissingFrontMatter is returned when a file has no `+++` delimited
// header at all.
var ErrMissingFrontMatter = fmt.Errorf("note: missing front matter")

// Parse splits raw note file bytes into front matter and body, per spec
// §4.1's indexing step 1 ("reject if missing required fields"). Required
// fields are validated by the caller (the manager), not here, so that
// reconciliation can still decide to skip-and-log rather than abort.
func Parse(raw string) (*ParsedNote, error) {
	raw = strings.TrimLeft(raw, "\ufeff")
	if !strings.HasPrefix(raw, delimiter) {
		return nil, ErrMissingFrontMatter
	}
	rest := raw[len(delimiter):]
	end := strings.Index(rest, "\n"+delimiter)
	if end < 0 {
		return nil, ErrMissingFrontMatter
	}
	header := strings.TrimPrefix(rest[:end], "\n")
	body := rest[end+len(delimiter)+1:]
	// Drop the newline closing the delimiter line, then the blank
	// separator line Render writes before the body.
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	var fm FrontMatter
	if err := toml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	return &ParsedNote{FrontMatter: fm, Body: body}, nil
}

// Validate checks the required-field set from spec §4.1 step 1.
func (p *ParsedNote) Validate() error {
	fm := p.FrontMatter
	if fm.ID == "" {
		return fmt.Errorf("note: missing id")
	}
	if fm.Title == "" {
		return fmt.Errorf("note: missing title")
	}
	if fm.CreatedAt.IsZero() {
		return fmt.Errorf("note: missing created_at")
	}
	if fm.CreatedBy.Ghost == "" || fm.CreatedBy.Model == "" {
		return fmt.Errorf("note: missing created_by.ghost/model")
	}
	return nil
}

// Render serializes front matter + body back into note file bytes.
func Render(fm FrontMatter, body string) (string, error) {
	header, err := toml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(delimiter)
	sb.WriteByte('\n')
	sb.Write(header)
	if !strings.HasSuffix(string(header), "\n") {
		sb.WriteByte('\n')
	}
	sb.WriteString(delimiter)
	sb.WriteByte('\n')
	sb.WriteByte('\n')
	sb.WriteString(body)
	return sb.String(), nil
}

// AtomicWrite writes content to <path>.tmp then renames onto path, so a
// reader never observes a half-written file (spec §4.1 "Atomic write
// protocol"). Callers must ensure the parent directory exists.
func AtomicWrite(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// SlugDir derives the on-disk directory for a note from its first tag
// segment, sanitized per path segment. Only used at creation time; later
// tag edits never relocate the file (spec §6.2).
func SlugDir(root string, tags []string) string {
	if len(tags) == 0 {
		return root
	}
	first := tags[0]
	segs := strings.Split(first, "/")
	dir := root
	for _, s := range segs {
		dir = filepath.Join(dir, sanitizeSegment(s))
	}
	return dir
}

func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		case r == ' ':
			sb.WriteByte('-')
		}
	}
	out := sb.String()
	if out == "" {
		return "misc"
	}
	return out
}

// Slugify turns a title into a filesystem-safe slug for the note's filename.
func Slugify(title string) string {
	return sanitizeSegment(title)
}
