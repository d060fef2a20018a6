package query

import (
	"fmt"

	"github.com/ghostmesh/ghostmesh/internal/knowledge/entity"
	"github.com/ghostmesh/ghostmesh/internal/knowledge/store"
)

// ErrAccessDenied is the distinct failure for a note that exists but is
// outside the caller's ownership selector. It never masquerades as
// "unknown note": another ghost's private note must fail unambiguously.
type ErrAccessDenied struct {
	Ref string
}

func (e *ErrAccessDenied) Error() string {
	return fmt.Sprintf("access denied to note %q", e.Ref)
}

// ErrUnknownNote is the failure for a note that does not exist at all.
type ErrUnknownNote struct {
	Ref string
}

func (e *ErrUnknownNote) Error() string {
	return fmt.Sprintf("unknown note %q", e.Ref)
}

// MemoryGet retrieves one note by id or title under the ownership rules
// of spec §4.2: a private note is returned only to its owner, a shared
// note only when ownership includes shared.
func (e *Engine) MemoryGet(ghost, idOrTitle string, ownership entity.Ownership) (*entity.Note, error) {
	note, err := store.GetNote(e.db, idOrTitle)
	if err != nil {
		allScopes := []entity.Scope{
			entity.ScopeSharedNote, entity.ScopeSharedReference,
			entity.ScopeGhostNote, entity.ScopeGhostReference, entity.ScopeGhostDiary,
		}
		note, err = store.GetNoteByTitle(e.db, idOrTitle, allScopes)
		if err != nil {
			return nil, &ErrUnknownNote{Ref: idOrTitle}
		}
	}

	if note.Scope.IsShared() {
		if ownership == entity.OwnershipPrivate {
			return nil, &ErrAccessDenied{Ref: idOrTitle}
		}
		return note, nil
	}
	if note.OwnerGhost != ghost || ownership == entity.OwnershipShared {
		return nil, &ErrAccessDenied{Ref: idOrTitle}
	}
	return note, nil
}
