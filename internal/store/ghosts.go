package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Ghost is a named persona owned by an operator, with its own workspace
// directory and private knowledge scope.
type Ghost struct {
	ID            string
	Name          string
	OwnerOperator string
	ModelOverride string
	CreatedAt     time.Time
}

// Ghost names become filesystem directory names, so the charset is
// restricted up front rather than sanitized downstream.
var ghostNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// CreateGhost inserts a new ghost owned by operatorID.
func (s *Store) CreateGhost(name, operatorID string) (*Ghost, error) {
	if !ghostNameRe.MatchString(name) {
		return nil, fmt.Errorf("ghost name %q is not filesystem-safe", name)
	}
	g := &Ghost{
		ID:            uuid.NewString(),
		Name:          name,
		OwnerOperator: operatorID,
		CreatedAt:     time.Now(),
	}
	_, err := s.db.Exec(`INSERT INTO `+TableGhosts+` (id, name, owner_operator_id, model_override, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.OwnerOperator, nullable(g.ModelOverride), g.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create ghost %q: %w", name, err)
	}
	return g, nil
}

// SetGhostModelOverride sets or clears the per-ghost model alias.
func (s *Store) SetGhostModelOverride(id, override string) error {
	res, err := s.db.Exec(`UPDATE `+TableGhosts+` SET model_override = ? WHERE id = ?`,
		nullable(override), id)
	if err != nil {
		return fmt.Errorf("set ghost model override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ghost %q not found", id)
	}
	return nil
}

// GetGhost fetches a ghost by id.
func (s *Store) GetGhost(id string) (*Ghost, error) {
	return s.ghostBy(`id = ?`, id)
}

// GetGhostByName fetches a ghost by its unique name.
func (s *Store) GetGhostByName(name string) (*Ghost, error) {
	return s.ghostBy(`name = ?`, name)
}

func (s *Store) ghostBy(where string, arg any) (*Ghost, error) {
	var g Ghost
	var override sql.NullString
	var created int64
	err := s.db.QueryRow(`SELECT id, name, owner_operator_id, model_override, created_at
		FROM `+TableGhosts+` WHERE `+where, arg).
		Scan(&g.ID, &g.Name, &g.OwnerOperator, &override, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ghost not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get ghost: %w", err)
	}
	g.ModelOverride = override.String
	g.CreatedAt = time.Unix(created, 0)
	return &g, nil
}

// ListGhosts returns every ghost ordered by name.
func (s *Store) ListGhosts() ([]*Ghost, error) {
	rows, err := s.db.Query(`SELECT id, name, owner_operator_id, model_override, created_at
		FROM ` + TableGhosts + ` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list ghosts: %w", err)
	}
	defer rows.Close()
	var out []*Ghost
	for rows.Next() {
		var g Ghost
		var override sql.NullString
		var created int64
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerOperator, &override, &created); err != nil {
			return nil, fmt.Errorf("scan ghost: %w", err)
		}
		g.ModelOverride = override.String
		g.CreatedAt = time.Unix(created, 0)
		out = append(out, &g)
	}
	return out, rows.Err()
}
