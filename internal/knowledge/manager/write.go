package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/notefile"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

// CreateParams is the input of note_create.
type CreateParams struct {
	Title      string
	Archetype  string
	Tags       []string
	Body       string
	Scope      entity.Scope
	OwnerGhost string
	CreatedBy  entity.Attribution
	Parent     string
	TrustScore int
}

const defaultTrustScore = 5

// CreateNote composes a new note file (front matter + body), writes it
// atomically under the scope root derived from its first tag segment,
// and indexes it. The scope/ownership invariant is enforced before
// anything touches disk.
func (m *Manager) CreateNote(ctx context.Context, p CreateParams) (*entity.Note, error) {
	if p.Scope.IsShared() != (p.OwnerGhost == "") {
		return nil, fmt.Errorf("create note: scope %s is inconsistent with owner %q", p.Scope, p.OwnerGhost)
	}
	if p.Title == "" {
		return nil, fmt.Errorf("create note: title is required")
	}
	if p.CreatedBy.Ghost == "" || p.CreatedBy.Model == "" {
		return nil, fmt.Errorf("create note: created_by ghost and model are required")
	}
	root, err := m.rootFor(p.Scope, p.OwnerGhost)
	if err != nil {
		return nil, err
	}

	trust := p.TrustScore
	if trust == 0 {
		trust = defaultTrustScore
	}
	fm := notefile.FrontMatter{
		ID:         uuid.NewString(),
		Title:      p.Title,
		Archetype:  p.Archetype,
		CreatedAt:  time.Now().UTC(),
		TrustScore: trust,
		Version:    1,
		Parent:     p.Parent,
		Tags:       p.Tags,
		CreatedBy:  p.CreatedBy,
	}
	content, err := notefile.Render(fm, p.Body)
	if err != nil {
		return nil, err
	}

	dir := notefile.SlugDir(root, p.Tags)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create note dir: %w", err)
	}
	path := filepath.Join(dir, notefile.Slugify(p.Title)+".md")
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("create note: %s already exists", path)
	}
	if err := notefile.AtomicWrite(path, []byte(content)); err != nil {
		return nil, err
	}
	if err := m.IndexNote(ctx, path, p.Scope, p.OwnerGhost); err != nil {
		return nil, err
	}
	return store.GetNote(m.db, fm.ID)
}

// UpdateParams carries note_update's optional field changes; nil/zero
// fields are left as-is.
type UpdateParams struct {
	Body          *string
	Archetype     *string
	Tags          []string
	TrustScore    *int
	Parent        *string
	AppendComment *entity.Comment
	Validated     *entity.Attribution
}

// UpdateNote applies changes to an existing note: the version is bumped,
// the id preserved, the file rewritten atomically, and every chunk
// re-indexed. Tag changes never relocate the file.
func (m *Manager) UpdateNote(ctx context.Context, id string, p UpdateParams) (*entity.Note, error) {
	note, err := store.GetNote(m.db, id)
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}
	raw, err := os.ReadFile(note.Path)
	if err != nil {
		return nil, fmt.Errorf("update note: read %s: %w", note.Path, err)
	}
	parsed, err := notefile.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}

	fm := parsed.FrontMatter
	body := parsed.Body
	if p.Body != nil {
		body = *p.Body
	}
	if p.Archetype != nil {
		fm.Archetype = *p.Archetype
		fm.Type = ""
	}
	if p.Tags != nil {
		fm.Tags = p.Tags
	}
	if p.TrustScore != nil {
		fm.TrustScore = *p.TrustScore
	}
	if p.Parent != nil {
		fm.Parent = *p.Parent
	}
	if p.AppendComment != nil {
		fm.Comments = append(fm.Comments, *p.AppendComment)
	}
	if p.Validated != nil {
		now := time.Now().UTC()
		fm.LastValidatedAt = &now
		fm.LastValidatedBy = p.Validated
	}
	if fm.Version == 0 {
		fm.Version = 1
	}
	fm.Version++

	content, err := notefile.Render(fm, body)
	if err != nil {
		return nil, err
	}
	if err := notefile.AtomicWrite(note.Path, []byte(content)); err != nil {
		return nil, err
	}
	if err := m.IndexNote(ctx, note.Path, note.Scope, note.OwnerGhost); err != nil {
		return nil, err
	}
	return store.GetNote(m.db, id)
}

func (m *Manager) rootFor(scope entity.Scope, ownerGhost string) (string, error) {
	for _, r := range m.rootsSnapshot() {
		if r.Scope == scope && r.OwnerGhost == ownerGhost {
			return r.Root, nil
		}
	}
	return "", fmt.Errorf("no scope root registered for %s/%s", scope, ownerGhost)
}
