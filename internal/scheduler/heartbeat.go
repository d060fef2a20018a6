package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
	"github.com/ghostmesh/ghostmesh/internal/store"
)

// Heartbeat signal tokens the ghost replies with. A reply may wrap them
// in markup, so detection strips formatting first.
const (
	SignalHeartbeatOK       = "HEARTBEAT_OK"
	SignalHeartbeatContinue = "HEARTBEAT_CONTINUE"
)

// HeartbeatConfig tunes the attention loop.
type HeartbeatConfig struct {
	IdleMinutes     int // silence before a heartbeat fires (default 4)
	ContinueMinutes int // deferral after HEARTBEAT_CONTINUE (default 30)
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.IdleMinutes <= 0 {
		c.IdleMinutes = 4
	}
	if c.ContinueMinutes <= 0 {
		c.ContinueMinutes = 30
	}
	return c
}

// HeartbeatRunner fires a hidden attention turn on each active session
// that has gone idle.
type HeartbeatRunner struct {
	deps      Deps
	deadlines *Deadlines
	cfg       HeartbeatConfig

	// ackedAt maps session id → the updated_at that was current when the
	// ghost last replied HEARTBEAT_OK; heartbeats stay suppressed until
	// activity moves updated_at past it.
	ackedAt map[string]time.Time
}

func NewHeartbeatRunner(deps Deps, deadlines *Deadlines, cfg HeartbeatConfig) *HeartbeatRunner {
	return &HeartbeatRunner{
		deps:      deps,
		deadlines: deadlines,
		cfg:       cfg.withDefaults(),
		ackedAt:   make(map[string]time.Time),
	}
}

func (r *HeartbeatRunner) Kind() store.JobKind { return store.JobHeartbeat }

func (r *HeartbeatRunner) Tick(ctx context.Context, now time.Time) {
	sessions, err := r.deps.Store.ListActiveSessions()
	if err != nil {
		log.Warn("[heartbeat] list active sessions: %v", err)
		return
	}
	for _, row := range sessions {
		if acked, ok := r.ackedAt[row.ID]; ok {
			if !row.UpdatedAt.After(acked) {
				continue
			}
			delete(r.ackedAt, row.ID)
		}
		idleDue := row.UpdatedAt.Add(time.Duration(r.cfg.IdleMinutes) * time.Minute)
		r.deadlines.SetIfAbsent(store.JobHeartbeat, row.ID, idleDue)
		if !r.deadlines.Due(store.JobHeartbeat, row.ID, now) {
			continue
		}
		ghost, err := r.deps.Store.GetGhost(row.GhostID)
		if err != nil {
			log.Warn("[heartbeat] ghost %s: %v", row.GhostID, err)
			continue
		}
		key := inflight.Key{OperatorID: row.OperatorID, GhostName: ghost.Name, SessionID: row.ID}
		if r.deps.Guard.InFlight(key) {
			continue
		}
		r.deadlines.Clear(store.JobHeartbeat, row.ID)
		r.fire(ctx, ghost, row, now)
	}
}

func (r *HeartbeatRunner) fire(ctx context.Context, ghost *store.Ghost, row store.ActiveSessionRow, now time.Time) {
	hbPath := r.deps.Layout.HeartbeatPath(ghost.Name)
	hbContent, err := os.ReadFile(hbPath)
	if err != nil || !HasSubstantiveItems(string(hbContent)) {
		// Nothing actionable on file; skip without a job-log row.
		r.deadlines.Set(store.JobHeartbeat, row.ID, now.Add(time.Duration(r.cfg.IdleMinutes)*time.Minute))
		return
	}

	jobID, err := r.deps.Store.InsertStarted(row.GhostID, row.ID, store.JobHeartbeat)
	if err != nil {
		log.Warn("[heartbeat] insert job log: %v", err)
		return
	}

	sess, err := r.deps.Store.GetSession(row.ID)
	if err != nil {
		r.finish(jobID, fmt.Sprintf("error: load session: %v", err), nil)
		return
	}

	prompt := heartbeatPrompt(ghost.Name, string(hbContent), r.readInbox(ghost.Name))
	transcript := []store.TranscriptEntry{{Role: "operator", Content: prompt}}

	reply, err := r.deps.Chat.HiddenTurn(ctx, ghost, sess, prompt, dispatcher.ProfileFullChat)
	if err != nil {
		r.finish(jobID, fmt.Sprintf("error: %v", err), transcript)
		return
	}
	transcript = append(transcript, store.TranscriptEntry{Role: "ghost", Content: reply})

	switch signal := ParseHeartbeatSignal(reply); signal {
	case SignalHeartbeatOK:
		// Suppress further heartbeats for this session until activity.
		r.ackedAt[row.ID] = row.UpdatedAt
		r.finish(jobID, "ok", transcript)

	case SignalHeartbeatContinue:
		// Defer quietly; the continue reply is never a visible message.
		r.deadlines.Set(store.JobHeartbeat, row.ID, now.Add(time.Duration(r.cfg.ContinueMinutes)*time.Minute))
		r.finish(jobID, "continue", transcript)

	default:
		// A substantive reply: persist it as a normal ghost message.
		sess.AppendMessage(entity.NewAssistantMessage(entity.TextBlock(reply)))
		if err := r.deps.Store.SaveSession(sess); err != nil {
			r.finish(jobID, fmt.Sprintf("error: persist reply: %v", err), transcript)
			return
		}
		r.finish(jobID, "ok", transcript)
	}
}

func (r *HeartbeatRunner) finish(jobID int64, status string, transcript []store.TranscriptEntry) {
	if err := r.deps.Store.FinishJob(jobID, status, transcript, ""); err != nil {
		log.Warn("[heartbeat] finish job %d: %v", jobID, err)
	}
}

func heartbeatPrompt(ghostName, heartbeatMD, inbox string) string {
	var sb strings.Builder
	sb.WriteString("This is a scheduled heartbeat for ")
	sb.WriteString(ghostName)
	sb.WriteString(". Review your standing instructions below and your inbox. ")
	sb.WriteString("If everything is quiet, reply with exactly " + SignalHeartbeatOK + ". ")
	sb.WriteString("If you are mid-task and want to be checked again later, reply with exactly " + SignalHeartbeatContinue + ". ")
	sb.WriteString("Otherwise, respond with whatever needs the operator's attention.\n\n")
	sb.WriteString("--- HEARTBEAT.md ---\n")
	sb.WriteString(heartbeatMD)
	if inbox != "" {
		sb.WriteString("\n\n--- inbox ---\n")
		sb.WriteString(inbox)
	}
	return sb.String()
}

// maxInboxFiles bounds how many inbox entries a single heartbeat reads.
const maxInboxFiles = 5

// readInbox concatenates the newest inbox entries; names sort
// chronologically by construction (inbox-YYYYMMDD-HHMMSS.md).
func (r *HeartbeatRunner) readInbox(ghostName string) string {
	entries, err := os.ReadDir(r.deps.Layout.InboxDir(ghostName))
	if err != nil || len(entries) == 0 {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxInboxFiles {
		names = names[len(names)-maxInboxFiles:]
	}
	var sb strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(r.deps.Layout.InboxDir(ghostName), name))
		if err != nil {
			continue
		}
		sb.WriteString("## " + name + "\n")
		sb.Write(data)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ParseHeartbeatSignal extracts a heartbeat control token from a reply,
// tolerating markup wrapping (bold, code spans). Surrounding prose is
// tolerated only in a reply of at most 80 runes; a token buried in a
// longer reply is a real message.
func ParseHeartbeatSignal(reply string) string {
	stripped := strings.TrimSpace(reply)
	stripped = strings.Trim(stripped, "*_`# \t\r\n")
	if stripped == SignalHeartbeatContinue {
		return SignalHeartbeatContinue
	}
	if stripped == SignalHeartbeatOK {
		return SignalHeartbeatOK
	}
	// A short reply that contains the OK token still counts as an ack.
	if len([]rune(stripped)) <= 80 && strings.Contains(stripped, SignalHeartbeatOK) {
		return SignalHeartbeatOK
	}
	if len([]rune(stripped)) <= 80 && strings.Contains(stripped, SignalHeartbeatContinue) {
		return SignalHeartbeatContinue
	}
	return ""
}

// HasSubstantiveItems reports whether a HEARTBEAT.md has anything
// actionable: prose, or a checklist entry with actual text. Headings,
// blank lines, rules, and empty checkbox scaffolding do not count.
func HasSubstantiveItems(md string) bool {
	for _, line := range strings.Split(md, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "---") {
			continue
		}
		if item, ok := checklistText(t); ok {
			if item != "" {
				return true
			}
			continue
		}
		return true
	}
	return false
}

func checklistText(line string) (string, bool) {
	for _, prefix := range []string{"- [ ]", "- [x]", "* [ ]", "* [x]"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}
