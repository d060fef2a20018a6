package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
	"github.com/ghostmesh/ghostmesh/internal/store"
)

// ReflectionConfig tunes the idle-review runner.
type ReflectionConfig struct {
	IdleMinutes int // silence before a session is reviewed (default 30)
}

func (c ReflectionConfig) withDefaults() ReflectionConfig {
	if c.IdleMinutes <= 0 {
		c.IdleMinutes = 30
	}
	return c
}

// ReflectionRunner reviews a session after it goes idle, or immediately
// when the operator abandons it for a new one. The run may consult and
// update notes and the diary through tools. The job-log todo list is set
// empty when the run starts and filled once, from the checklist in the
// ghost's reply, after the turn returns; it is not updated during the
// turn.
type ReflectionRunner struct {
	deps      Deps
	deadlines *Deadlines
	cfg       ReflectionConfig

	mu        sync.Mutex
	triggered []string          // session ids queued by TriggerFor
	reflected map[string]time.Time // session id → updated_at when last reflected
}

func NewReflectionRunner(deps Deps, deadlines *Deadlines, cfg ReflectionConfig) *ReflectionRunner {
	return &ReflectionRunner{
		deps:      deps,
		deadlines: deadlines,
		cfg:       cfg.withDefaults(),
		reflected: make(map[string]time.Time),
	}
}

func (r *ReflectionRunner) Kind() store.JobKind { return store.JobReflection }

// TriggerFor queues an immediate reflection on a session, used when the
// operator starts a new session and the previous one should be reviewed
// asynchronously.
func (r *ReflectionRunner) TriggerFor(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggered = append(r.triggered, sessionID)
}

func (r *ReflectionRunner) Tick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	queued := r.triggered
	r.triggered = nil
	r.mu.Unlock()
	for _, id := range queued {
		r.fire(ctx, id)
	}

	sessions, err := r.deps.Store.ListActiveSessions()
	if err != nil {
		log.Warn("[reflection] list active sessions: %v", err)
		return
	}
	for _, row := range sessions {
		if done, ok := r.reflected[row.ID]; ok && !row.UpdatedAt.After(done) {
			continue
		}
		idleDue := row.UpdatedAt.Add(time.Duration(r.cfg.IdleMinutes) * time.Minute)
		r.deadlines.SetIfAbsent(store.JobReflection, row.ID, idleDue)
		if !r.deadlines.Due(store.JobReflection, row.ID, now) {
			continue
		}
		r.deadlines.Clear(store.JobReflection, row.ID)
		r.reflected[row.ID] = row.UpdatedAt
		r.fire(ctx, row.ID)
	}
}

func (r *ReflectionRunner) fire(ctx context.Context, sessionID string) {
	sess, err := r.deps.Store.GetSession(sessionID)
	if err != nil {
		log.Warn("[reflection] load session %s: %v", sessionID, err)
		return
	}
	if len(sess.Messages) == 0 {
		return
	}
	ghost, err := r.deps.Store.GetGhost(sess.GhostID)
	if err != nil {
		log.Warn("[reflection] ghost %s: %v", sess.GhostID, err)
		return
	}
	key := inflight.Key{OperatorID: sess.Operator, GhostName: ghost.Name, SessionID: sess.ID}
	if r.deps.Guard.InFlight(key) {
		// A user turn arrived between the deadline and now; defer.
		r.TriggerFor(sessionID)
		return
	}

	jobID, err := r.deps.Store.InsertStarted(sess.GhostID, sess.ID, store.JobReflection)
	if err != nil {
		log.Warn("[reflection] insert job log: %v", err)
		return
	}
	if err := r.deps.Store.UpdateJobTodos(jobID, []store.TodoItem{}); err != nil {
		log.Warn("[reflection] init todos: %v", err)
	}

	prompt := reflectionPrompt(ghost.Name)
	transcript := []store.TranscriptEntry{{Role: "operator", Content: prompt}}

	reply, err := r.deps.Chat.HiddenTurn(ctx, ghost, sess, prompt, dispatcher.ProfileFullChat)
	if err != nil {
		if ferr := r.deps.Store.FinishJob(jobID, fmt.Sprintf("error: %v", err), transcript, ""); ferr != nil {
			log.Warn("[reflection] finish job %d: %v", jobID, ferr)
		}
		return
	}
	transcript = append(transcript, store.TranscriptEntry{Role: "ghost", Content: reply})

	todos, handoff := parseReflectionReport(reply)
	if len(todos) > 0 {
		if err := r.deps.Store.UpdateJobTodos(jobID, todos); err != nil {
			log.Warn("[reflection] update todos: %v", err)
		}
	}
	if err := r.deps.Store.FinishJob(jobID, "ok", transcript, handoff); err != nil {
		log.Warn("[reflection] finish job %d: %v", jobID, err)
	}
}

func reflectionPrompt(ghostName string) string {
	var sb strings.Builder
	sb.WriteString("The conversation above has gone idle. As ")
	sb.WriteString(ghostName)
	sb.WriteString(", reflect on it now:\n")
	sb.WriteString("1. Note anything worth remembering in your notes or diary (use your tools).\n")
	sb.WriteString("2. Report your work items as a markdown checklist, one per line, using\n")
	sb.WriteString("   `- [ ]` for pending, `- [~]` for in progress, `- [x]` for done, `- [s]` for skipped.\n")
	sb.WriteString("3. End with an optional line `HANDOFF: <note for your next run>`.")
	return sb.String()
}

// parseReflectionReport extracts the checklist and handoff note from a
// reflection reply. Unmarked prose is ignored.
func parseReflectionReport(reply string) ([]store.TodoItem, string) {
	var todos []store.TodoItem
	var handoff string
	for _, line := range strings.Split(reply, "\n") {
		t := strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(t, "HANDOFF:"); ok {
			handoff = strings.TrimSpace(after)
			continue
		}
		for marker, status := range reflectionMarkers {
			if strings.HasPrefix(t, marker) {
				text := strings.TrimSpace(t[len(marker):])
				if text != "" {
					todos = append(todos, store.TodoItem{Text: text, Status: status})
				}
				break
			}
		}
	}
	return todos, handoff
}

var reflectionMarkers = map[string]string{
	"- [ ]": "pending",
	"- [~]": "in_progress",
	"- [x]": "done",
	"- [X]": "done",
	"- [s]": "skipped",
}
