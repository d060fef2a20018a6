package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

// CreateSession opens a new active session for (ghost, operator),
// deactivating any prior active session for the same pair. Exactly one
// active session per pair survives the call.
func (s *Store) CreateSession(ghostID, operatorID string) (*entity.Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE `+TableSessions+` SET is_active = 0
		WHERE ghost_id = ? AND operator_id = ? AND is_active = 1`, ghostID, operatorID); err != nil {
		return nil, fmt.Errorf("deactivate prior sessions: %w", err)
	}

	sess := entity.NewSession(uuid.NewString(), ghostID, operatorID)
	if _, err := tx.Exec(`INSERT INTO `+TableSessions+`
		(id, ghost_id, operator_id, is_active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		sess.ID, ghostID, operatorID, sess.CreatedAt.Unix(), sess.UpdatedAt.Unix()); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create session: %w", err)
	}
	return sess, nil
}

// ActiveSession returns the active session for (ghost, operator) with
// its full message history, or (nil, nil) when none exists.
func (s *Store) ActiveSession(ghostID, operatorID string) (*entity.Session, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM `+TableSessions+`
		WHERE ghost_id = ? AND operator_id = ? AND is_active = 1`, ghostID, operatorID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup active session: %w", err)
	}
	return s.GetSession(id)
}

// MostRecentSession returns the latest session (active or not) for a
// ghost, used by the cron runner when no session is currently active.
func (s *Store) MostRecentSession(ghostID string) (*entity.Session, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM `+TableSessions+`
		WHERE ghost_id = ? ORDER BY updated_at DESC, created_at DESC LIMIT 1`, ghostID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup most recent session: %w", err)
	}
	return s.GetSession(id)
}

// ActiveSessionRow is the lightweight listing the heartbeat runner
// scans each tick; full histories are only loaded for sessions that
// actually fire.
type ActiveSessionRow struct {
	ID         string
	GhostID    string
	OperatorID string
	UpdatedAt  time.Time
}

// ListActiveSessions returns every active session across all ghosts.
func (s *Store) ListActiveSessions() ([]ActiveSessionRow, error) {
	rows, err := s.db.Query(`SELECT id, ghost_id, operator_id, updated_at
		FROM ` + TableSessions + ` WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	var out []ActiveSessionRow
	for rows.Next() {
		var r ActiveSessionRow
		var updated int64
		if err := rows.Scan(&r.ID, &r.GhostID, &r.OperatorID, &updated); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		r.UpdatedAt = time.Unix(updated, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSession loads one session with its ordered message history.
func (s *Store) GetSession(id string) (*entity.Session, error) {
	var sess entity.Session
	var created, updated int64
	err := s.db.QueryRow(`SELECT id, ghost_id, operator_id, compaction_summary,
		compaction_count, first_kept_index, created_at, updated_at
		FROM `+TableSessions+` WHERE id = ?`, id).
		Scan(&sess.ID, &sess.GhostID, &sess.Operator, &sess.CompactionSummary,
			&sess.CompactionCount, &sess.FirstKeptIndex, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = time.Unix(created, 0)
	sess.UpdatedAt = time.Unix(updated, 0)

	msgs, err := s.listMessages(id)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return &sess, nil
}

// ListSessions returns session ids for a ghost, newest first.
func (s *Store) ListSessions(ghostID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM `+TableSessions+`
		WHERE ghost_id = ? ORDER BY created_at DESC`, ghostID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveSession writes through the session's mutable fields and appends
// any messages not yet persisted. Message rows are append-only: rows
// already in the table are never rewritten, except when the compactor's
// observation-masking phase has replaced block content in place, which
// is detected per message via the masked flag.
func (s *Store) SaveSession(sess *entity.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save session: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE `+TableSessions+` SET compaction_summary = ?,
		compaction_count = ?, first_kept_index = ?, updated_at = ? WHERE id = ?`,
		sess.CompactionSummary, sess.CompactionCount, sess.FirstKeptIndex,
		sess.UpdatedAt.Unix(), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %q not found", sess.ID)
	}

	var persisted int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM `+TableMessages+` WHERE session_id = ?`,
		sess.ID).Scan(&persisted); err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if persisted > len(sess.Messages) {
		return fmt.Errorf("session %q has %d persisted messages but only %d in memory",
			sess.ID, persisted, len(sess.Messages))
	}

	for i, msg := range sess.Messages {
		blocks, err := json.Marshal(msg.Blocks)
		if err != nil {
			return fmt.Errorf("marshal message blocks: %w", err)
		}
		if i < persisted {
			if !hasMaskedBlock(msg) {
				continue
			}
			// Masked in place by compaction Phase 1: rewrite the stored row
			// so the placeholder survives restart.
			if _, err := tx.Exec(`UPDATE `+TableMessages+` SET blocks_json = ?
				WHERE session_id = ? AND id = (
					SELECT id FROM `+TableMessages+` WHERE session_id = ? ORDER BY id LIMIT 1 OFFSET ?)`,
				string(blocks), sess.ID, sess.ID, i); err != nil {
				return fmt.Errorf("rewrite masked message: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(`INSERT INTO `+TableMessages+` (session_id, role, blocks_json, model, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sess.ID, msg.Role, string(blocks), nullable(msg.Model), msg.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// TouchSession bumps updated_at, resetting the heartbeat idle clock.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(`UPDATE `+TableSessions+` SET updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	return err
}

func (s *Store) listMessages(sessionID string) ([]*entity.Message, error) {
	rows, err := s.db.Query(`SELECT role, blocks_json, model, created_at
		FROM `+TableMessages+` WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*entity.Message
	for rows.Next() {
		var role, blocksJSON string
		var model sql.NullString
		var created int64
		if err := rows.Scan(&role, &blocksJSON, &model, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := &entity.Message{
			Role:      entity.Role(role),
			Model:     model.String,
			CreatedAt: time.Unix(created, 0),
		}
		if err := json.Unmarshal([]byte(blocksJSON), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal message blocks: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func hasMaskedBlock(msg *entity.Message) bool {
	for _, b := range msg.Blocks {
		if b.Type == entity.BlockToolResult && b.ToolMasked {
			return true
		}
	}
	return false
}
