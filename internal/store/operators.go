package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperatorStatus is the admin-driven approval state of an operator.
type OperatorStatus string

const (
	OperatorPending  OperatorStatus = "pending"
	OperatorApproved OperatorStatus = "approved"
	OperatorDenied   OperatorStatus = "denied"
)

// AccessLevel distinguishes standard operators from puppet-masters, who
// may bypass the tool approval gate.
type AccessLevel string

const (
	AccessStandard     AccessLevel = "standard"
	AccessPuppetMaster AccessLevel = "puppet-master"
)

// Operator is a human (or API client) principal.
type Operator struct {
	ID              string
	DisplayName     string
	Platform        string
	Status          OperatorStatus
	AccessLevel     AccessLevel
	RateLimitPerMin int
	ModelOverride   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateOperator inserts a new operator in pending status.
func (s *Store) CreateOperator(displayName, platform string) (*Operator, error) {
	now := time.Now()
	op := &Operator{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Platform:    platform,
		Status:      OperatorPending,
		AccessLevel: AccessStandard,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(`INSERT INTO `+TableOperators+`
		(id, display_name, platform, status, access_level, rate_limit_per_min, model_override, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.DisplayName, op.Platform, op.Status, op.AccessLevel,
		op.RateLimitPerMin, nullable(op.ModelOverride), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("create operator: %w", err)
	}
	return op, nil
}

// SetOperatorStatus moves an operator through pending → approved/denied.
func (s *Store) SetOperatorStatus(id string, status OperatorStatus) error {
	res, err := s.db.Exec(`UPDATE `+TableOperators+` SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set operator status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operator %q not found", id)
	}
	return nil
}

// SetOperatorAccessLevel grants or revokes puppet-master access.
func (s *Store) SetOperatorAccessLevel(id string, level AccessLevel) error {
	res, err := s.db.Exec(`UPDATE `+TableOperators+` SET access_level = ?, updated_at = ? WHERE id = ?`,
		level, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set operator access level: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operator %q not found", id)
	}
	return nil
}

// GetOperator fetches one operator by id.
func (s *Store) GetOperator(id string) (*Operator, error) {
	row := s.db.QueryRow(`SELECT id, display_name, platform, status, access_level,
		rate_limit_per_min, model_override, created_at, updated_at
		FROM `+TableOperators+` WHERE id = ?`, id)
	return scanOperator(row)
}

// ListOperators returns every operator, optionally filtered by status.
func (s *Store) ListOperators(status OperatorStatus) ([]*Operator, error) {
	q := `SELECT id, display_name, platform, status, access_level,
		rate_limit_per_min, model_override, created_at, updated_at
		FROM ` + TableOperators
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()
	var out []*Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// BindInterface attaches a (platform, external_id) transport identity to
// an operator. Re-binding an existing pair is an upsert.
func (s *Store) BindInterface(platform, externalID, operatorID string) error {
	_, err := s.db.Exec(`INSERT INTO `+TableInterfaces+` (platform, external_id, operator_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform, external_id) DO UPDATE SET operator_id = excluded.operator_id`,
		platform, externalID, operatorID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("bind interface: %w", err)
	}
	return nil
}

// OperatorForInterface resolves the operator bound to (platform,
// external_id), or (nil, nil) when no binding exists.
func (s *Store) OperatorForInterface(platform, externalID string) (*Operator, error) {
	var operatorID string
	err := s.db.QueryRow(`SELECT operator_id FROM `+TableInterfaces+`
		WHERE platform = ? AND external_id = ?`, platform, externalID).Scan(&operatorID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup interface: %w", err)
	}
	return s.GetOperator(operatorID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperator(row rowScanner) (*Operator, error) {
	var op Operator
	var override sql.NullString
	var created, updated int64
	err := row.Scan(&op.ID, &op.DisplayName, &op.Platform, &op.Status, &op.AccessLevel,
		&op.RateLimitPerMin, &override, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operator not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan operator: %w", err)
	}
	op.ModelOverride = override.String
	op.CreatedAt = time.Unix(created, 0)
	op.UpdatedAt = time.Unix(updated, 0)
	return &op, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
