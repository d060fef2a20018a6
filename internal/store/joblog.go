package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JobKind discriminates the three background runners sharing job_logs.
type JobKind string

const (
	JobHeartbeat  JobKind = "heartbeat"
	JobReflection JobKind = "reflection"
	JobCron       JobKind = "cron"
)

// TranscriptEntry is one exchange inside a background job run.
type TranscriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// TodoItem is one reflection work item the ghost tracks mid-run.
type TodoItem struct {
	Text   string `json:"text"`
	Status string `json:"status"` // pending | in_progress | done | skipped
}

// JobLog is one background job run with its three-phase lifecycle:
// InsertStarted makes the row visible, UpdateJobTodos mutates it mid-run,
// FinishJob closes it. Rows are never implicitly deleted.
type JobLog struct {
	ID          int64
	GhostID     string
	SessionID   string
	Kind        JobKind
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string
	Transcript  []TranscriptEntry
	TodoList    []TodoItem
	HandoffNote string
}

// InProgress reports whether the run has not finished yet.
func (j *JobLog) InProgress() bool { return j.FinishedAt == nil }

// InsertStarted opens a job-log row, phase one of the lifecycle. The row
// is immediately visible to list/get consumers with a nil finished_at.
func (s *Store) InsertStarted(ghostID, sessionID string, kind JobKind) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO `+TableJobLogs+` (ghost_id, session_id, kind, started_at)
		VALUES (?, ?, ?, ?)`, ghostID, sessionID, kind, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert job log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job log id: %w", err)
	}
	return id, nil
}

// UpdateJobTodos replaces the todo list mid-run, phase two.
func (s *Store) UpdateJobTodos(id int64, todos []TodoItem) error {
	data, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("marshal todos: %w", err)
	}
	res, err := s.db.Exec(`UPDATE `+TableJobLogs+` SET todo_json = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("update job todos: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job log %d not found", id)
	}
	return nil
}

// SetJobTodoStatus patches one todo item's status in place without
// round-tripping the whole list through the caller.
func (s *Store) SetJobTodoStatus(id int64, index int, status string) error {
	var todoJSON sql.NullString
	err := s.db.QueryRow(`SELECT todo_json FROM `+TableJobLogs+` WHERE id = ?`, id).Scan(&todoJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job log %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("read job todos: %w", err)
	}
	if !todoJSON.Valid || !gjson.Get(todoJSON.String, fmt.Sprintf("%d", index)).Exists() {
		return fmt.Errorf("job log %d has no todo item %d", id, index)
	}
	patched, err := sjson.Set(todoJSON.String, fmt.Sprintf("%d.status", index), status)
	if err != nil {
		return fmt.Errorf("patch todo status: %w", err)
	}
	_, err = s.db.Exec(`UPDATE `+TableJobLogs+` SET todo_json = ? WHERE id = ?`, patched, id)
	return err
}

// AppendTranscript appends one entry to the run's transcript so a live
// consumer sees progress before FinishJob.
func (s *Store) AppendTranscript(id int64, e TranscriptEntry) error {
	var transcript string
	err := s.db.QueryRow(`SELECT transcript_json FROM `+TableJobLogs+` WHERE id = ?`, id).Scan(&transcript)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job log %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	entryJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	patched, err := sjson.SetRaw(transcript, "-1", string(entryJSON))
	if err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	_, err = s.db.Exec(`UPDATE `+TableJobLogs+` SET transcript_json = ? WHERE id = ?`, patched, id)
	return err
}

// FinishJob closes the run, phase three: status, the final transcript,
// and an optional handoff note for the next run to pick up.
func (s *Store) FinishJob(id int64, status string, transcript []TranscriptEntry, handoffNote string) error {
	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	res, err := s.db.Exec(`UPDATE `+TableJobLogs+` SET finished_at = ?, status = ?,
		transcript_json = ?, handoff_note = ? WHERE id = ?`,
		time.Now().Unix(), status, string(data), nullable(handoffNote), id)
	if err != nil {
		return fmt.Errorf("finish job log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job log %d not found", id)
	}
	return nil
}

// GetJobLog loads one run in full.
func (s *Store) GetJobLog(id int64) (*JobLog, error) {
	row := s.db.QueryRow(`SELECT id, ghost_id, session_id, kind, started_at, finished_at,
		status, transcript_json, todo_json, handoff_note
		FROM `+TableJobLogs+` WHERE id = ?`, id)
	return scanJobLog(row)
}

// ListRecentJobs returns the latest runs across all ghosts.
func (s *Store) ListRecentJobs(limit int) ([]*JobLog, error) {
	return s.listJobs(`ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

// ListJobsForGhost returns the latest runs for one ghost.
func (s *Store) ListJobsForGhost(ghostID string, limit int) ([]*JobLog, error) {
	return s.listJobs(`WHERE ghost_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, ghostID, limit)
}

func (s *Store) listJobs(tail string, args ...any) ([]*JobLog, error) {
	rows, err := s.db.Query(`SELECT id, ghost_id, session_id, kind, started_at, finished_at,
		status, transcript_json, todo_json, handoff_note
		FROM `+TableJobLogs+` `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()
	var out []*JobLog
	for rows.Next() {
		j, err := scanJobLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// JobSummary is a transcript-free preview row for list views.
type JobSummary struct {
	ID         int64
	GhostID    string
	Kind       JobKind
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Preview    string
}

const previewChars = 120

// ListJobSummaries extracts the last transcript entry's text for
// preview without unmarshaling full transcripts.
func (s *Store) ListJobSummaries(limit int) ([]JobSummary, error) {
	rows, err := s.db.Query(`SELECT id, ghost_id, kind, started_at, finished_at, status, transcript_json
		FROM `+TableJobLogs+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job summaries: %w", err)
	}
	defer rows.Close()
	var out []JobSummary
	for rows.Next() {
		var js JobSummary
		var started int64
		var finished sql.NullInt64
		var status sql.NullString
		var transcript string
		if err := rows.Scan(&js.ID, &js.GhostID, &js.Kind, &started, &finished, &status, &transcript); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}
		js.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			t := time.Unix(finished.Int64, 0)
			js.FinishedAt = &t
		}
		js.Status = status.String
		if last := gjson.Get(transcript, "@reverse.0.content"); last.Exists() {
			js.Preview = truncatePreview(last.String())
		}
		out = append(out, js)
	}
	return out, rows.Err()
}

func scanJobLog(row rowScanner) (*JobLog, error) {
	var j JobLog
	var started int64
	var finished sql.NullInt64
	var status, todoJSON, handoff sql.NullString
	var transcript string
	err := row.Scan(&j.ID, &j.GhostID, &j.SessionID, &j.Kind, &started, &finished,
		&status, &transcript, &todoJSON, &handoff)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job log not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan job log: %w", err)
	}
	j.StartedAt = time.Unix(started, 0)
	if finished.Valid {
		t := time.Unix(finished.Int64, 0)
		j.FinishedAt = &t
	}
	j.Status = status.String
	j.HandoffNote = handoff.String
	if err := json.Unmarshal([]byte(transcript), &j.Transcript); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	if todoJSON.Valid {
		if err := json.Unmarshal([]byte(todoJSON.String), &j.TodoList); err != nil {
			return nil, fmt.Errorf("unmarshal todos: %w", err)
		}
	}
	return &j, nil
}

func truncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewChars {
		return s
	}
	return string(runes[:previewChars]) + "..."
}
