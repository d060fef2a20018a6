package entity

// Scope partitions a note into one of five storage classes. Shared scopes
// have no owning ghost; ghost scopes are private to exactly one ghost.
type Scope string

const (
	ScopeSharedNote      Scope = "shared_note"
	ScopeSharedReference Scope = "shared_reference"
	ScopeGhostNote       Scope = "ghost_note"
	ScopeGhostReference  Scope = "ghost_reference"
	ScopeGhostDiary      Scope = "ghost_diary"
)

// IsShared reports whether notes in this scope must have a nil owner_ghost.
func (s Scope) IsShared() bool {
	return s == ScopeSharedNote || s == ScopeSharedReference
}

// Ownership selects which scopes a query is allowed to touch.
type Ownership string

const (
	OwnershipAll     Ownership = "all"
	OwnershipShared  Ownership = "shared"
	OwnershipPrivate Ownership = "private"
)

// Category picks the scope-class a query targets.
type Category string

const (
	CategoryNotes      Category = "notes"
	CategoryDiary      Category = "diary"
	CategoryReferences Category = "references"
	CategoryTopics     Category = "topics"
)

// ScopeFilter is a resolved (scope, owner) predicate pair ready to apply at
// the SQL layer.
type ScopeFilter struct {
	Scope      Scope
	OwnerGhost string // empty means "owner IS NULL" (shared)
	Shared     bool
}

// ResolveScopeFilters implements the table in spec §4.2 "Scope filtering".
func ResolveScopeFilters(category Category, ownership Ownership, ghost string) []ScopeFilter {
	switch category {
	case CategoryDiary:
		return []ScopeFilter{{Scope: ScopeGhostDiary, OwnerGhost: ghost}}
	case CategoryReferences:
		switch ownership {
		case OwnershipShared:
			return []ScopeFilter{{Scope: ScopeSharedReference, Shared: true}}
		case OwnershipPrivate:
			return []ScopeFilter{{Scope: ScopeGhostReference, OwnerGhost: ghost}}
		default:
			return []ScopeFilter{
				{Scope: ScopeSharedReference, Shared: true},
				{Scope: ScopeGhostReference, OwnerGhost: ghost},
			}
		}
	case CategoryTopics:
		return []ScopeFilter{{Scope: ScopeSharedNote, Shared: true}}
	default: // CategoryNotes
		switch ownership {
		case OwnershipShared:
			return []ScopeFilter{{Scope: ScopeSharedNote, Shared: true}}
		case OwnershipPrivate:
			return []ScopeFilter{{Scope: ScopeGhostNote, OwnerGhost: ghost}}
		default:
			return []ScopeFilter{
				{Scope: ScopeSharedNote, Shared: true},
				{Scope: ScopeGhostNote, OwnerGhost: ghost},
			}
		}
	}
}
