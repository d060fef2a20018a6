package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/store"
	"github.com/ghostmesh/ghostmesh/internal/workspace"
)

// fakeChat scripts hidden-turn replies and records tool invocations.
type fakeChat struct {
	reply     string
	err       error
	turns     int
	lastPrompt string
	toolCalls []string
}

func (f *fakeChat) HiddenTurn(_ context.Context, _ *store.Ghost, _ *entity.Session, prompt string, _ dispatcher.Profile) (string, error) {
	f.turns++
	f.lastPrompt = prompt
	return f.reply, f.err
}

func (f *fakeChat) RunTool(_ context.Context, _, name, input string, _ dispatcher.Profile) (string, error) {
	f.toolCalls = append(f.toolCalls, name+" "+input)
	return "tool output", nil
}

func newRunnerDeps(t *testing.T, chat *fakeChat) (Deps, *store.Store, *store.Ghost, *entity.Session) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "control.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	op, err := st.CreateOperator("alice", "cli")
	if err != nil {
		t.Fatal(err)
	}
	st.SetOperatorStatus(op.ID, store.OperatorApproved)
	ghost, err := st.CreateGhost("wisp", op.ID)
	if err != nil {
		t.Fatal(err)
	}
	layout := workspace.New(filepath.Join(dir, "data"))
	if err := layout.EnsureGhost("wisp"); err != nil {
		t.Fatal(err)
	}
	sess, err := st.CreateSession(ghost.ID, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	sess.AppendMessage(entity.NewUserMessage("hello"))
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	deps := Deps{Store: st, Guard: inflight.NewGuard(), Chat: chat, Layout: layout}
	return deps, st, ghost, sess
}

func writeHeartbeatFile(t *testing.T, layout workspace.Layout, content string) {
	t.Helper()
	if err := os.WriteFile(layout.HeartbeatPath("wisp"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHeartbeatContinueDefersQuietly(t *testing.T) {
	chat := &fakeChat{reply: "HEARTBEAT_CONTINUE"}
	deps, st, _, sess := newRunnerDeps(t, chat)
	writeHeartbeatFile(t, deps.Layout, "- [ ] watch the deploy\n")

	deadlines := NewDeadlines()
	r := NewHeartbeatRunner(deps, deadlines, HeartbeatConfig{IdleMinutes: 4, ContinueMinutes: 30})

	// Fire well past the idle deadline.
	now := time.Now().Add(10 * time.Minute)
	r.Tick(context.Background(), now)

	if chat.turns != 1 {
		t.Fatalf("hidden turns = %d, want 1", chat.turns)
	}
	// Deferred by the continue interval, not the idle interval.
	due, ok := deadlines.Get(store.JobHeartbeat, sess.ID)
	if !ok {
		t.Fatal("no continue override recorded")
	}
	if want := now.Add(30 * time.Minute); !due.Equal(want) {
		t.Fatalf("next due = %v, want %v", due, want)
	}

	// The continue reply is not a visible ghost message.
	reloaded, _ := st.GetSession(sess.ID)
	if len(reloaded.Messages) != 1 {
		t.Fatalf("continue reply persisted: %d messages", len(reloaded.Messages))
	}

	// The run is visible in job logs with status continue.
	jobs, _ := st.ListRecentJobs(5)
	if len(jobs) != 1 || jobs[0].Status != "continue" || jobs[0].Kind != store.JobHeartbeat {
		t.Fatalf("job logs = %+v", jobs)
	}
}

func TestHeartbeatOKSuppressesUntilActivity(t *testing.T) {
	chat := &fakeChat{reply: "HEARTBEAT_OK"}
	deps, st, _, sess := newRunnerDeps(t, chat)
	writeHeartbeatFile(t, deps.Layout, "- [ ] standing item\n")

	deadlines := NewDeadlines()
	r := NewHeartbeatRunner(deps, deadlines, HeartbeatConfig{})

	now := time.Now().Add(10 * time.Minute)
	r.Tick(context.Background(), now)
	if chat.turns != 1 {
		t.Fatalf("turns = %d", chat.turns)
	}

	// Still idle, still acked: no second heartbeat.
	r.Tick(context.Background(), now.Add(time.Hour))
	if chat.turns != 1 {
		t.Fatalf("suppressed heartbeat fired anyway: turns = %d", chat.turns)
	}

	// Activity resumes the loop. The ack timestamp is backdated so the
	// touch lands visibly after it regardless of second-level rounding.
	r.ackedAt[sess.ID] = time.Now().Add(-time.Minute)
	if err := st.TouchSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	r.Tick(context.Background(), time.Now().Add(10*time.Minute))
	if chat.turns != 2 {
		t.Fatalf("heartbeat did not resume after activity: turns = %d", chat.turns)
	}
}

func TestHeartbeatSkipsScaffoldingOnlyFile(t *testing.T) {
	chat := &fakeChat{reply: "HEARTBEAT_OK"}
	deps, st, _, _ := newRunnerDeps(t, chat)
	writeHeartbeatFile(t, deps.Layout, "# Heartbeat\n- [ ]\n- [ ]\n")

	r := NewHeartbeatRunner(deps, NewDeadlines(), HeartbeatConfig{})
	r.Tick(context.Background(), time.Now().Add(10*time.Minute))

	if chat.turns != 0 {
		t.Fatalf("scaffolding-only HEARTBEAT.md fired a turn")
	}
	jobs, _ := st.ListRecentJobs(5)
	if len(jobs) != 0 {
		t.Fatalf("skip produced job logs: %+v", jobs)
	}
}

func TestHeartbeatSubstantiveReplyPersists(t *testing.T) {
	chat := &fakeChat{reply: "The deploy finished and two alerts need your eyes."}
	deps, st, _, sess := newRunnerDeps(t, chat)
	writeHeartbeatFile(t, deps.Layout, "- [ ] watch the deploy\n")

	r := NewHeartbeatRunner(deps, NewDeadlines(), HeartbeatConfig{})
	r.Tick(context.Background(), time.Now().Add(10*time.Minute))

	reloaded, _ := st.GetSession(sess.ID)
	if len(reloaded.Messages) != 2 {
		t.Fatalf("messages = %d, want the reply persisted", len(reloaded.Messages))
	}
	last := reloaded.Messages[len(reloaded.Messages)-1]
	if last.Role != entity.RoleAssistant || last.Text() != chat.reply {
		t.Fatalf("persisted reply = %+v", last)
	}
}

func TestCronRunnerFiresDueJob(t *testing.T) {
	chat := &fakeChat{reply: "daily digest output"}
	deps, st, _, sess := newRunnerDeps(t, chat)

	jobMD := `+++
name = "digest"
schedule = "* * * * *"

[[pre_tools]]
name = "knowledge_search"
input = { query = "yesterday" }
+++

Summarize the day.`
	if err := os.WriteFile(filepath.Join(deps.Layout.CronDir("wisp"), "digest.md"), []byte(jobMD), 0o644); err != nil {
		t.Fatal(err)
	}

	deadlines := NewDeadlines()
	r := NewCronRunner(deps, deadlines, CronConfig{})
	t.Cleanup(r.Close)

	now := time.Now()
	r.Tick(context.Background(), now)

	if chat.turns != 1 {
		t.Fatalf("cron turn count = %d", chat.turns)
	}
	if len(chat.toolCalls) != 1 || chat.toolCalls[0] != `knowledge_search {"query":"yesterday"}` {
		t.Fatalf("pre-tool calls = %v", chat.toolCalls)
	}

	// Output became a ghost message and a state file.
	reloaded, _ := st.GetSession(sess.ID)
	last := reloaded.Messages[len(reloaded.Messages)-1]
	if last.Role != entity.RoleAssistant || last.Text() != "daily digest output" {
		t.Fatalf("persisted output = %+v", last)
	}
	state, err := os.ReadFile(filepath.Join(deps.Layout.CronStateDir("wisp"), "digest.last.md"))
	if err != nil || string(state) != "daily digest output" {
		t.Fatalf("state file = %q, %v", state, err)
	}

	jobs, _ := st.ListRecentJobs(5)
	if len(jobs) != 1 || jobs[0].Kind != store.JobCron || jobs[0].Status != "ok" {
		t.Fatalf("job logs = %+v", jobs)
	}

	// A second tick at the same instant does not double-fire.
	r.Tick(context.Background(), now)
	if chat.turns != 1 {
		t.Fatalf("job double-fired: turns = %d", chat.turns)
	}
}

func TestCronRunnerCarriesPreviousOutput(t *testing.T) {
	chat := &fakeChat{reply: "new output"}
	deps, _, _, _ := newRunnerDeps(t, chat)

	jobMD := "+++\nname = \"digest\"\nschedule = \"* * * * *\"\n+++\nprompt body"
	os.WriteFile(filepath.Join(deps.Layout.CronDir("wisp"), "digest.md"), []byte(jobMD), 0o644)
	os.WriteFile(filepath.Join(deps.Layout.CronStateDir("wisp"), "digest.last.md"), []byte("previous output"), 0o644)

	r := NewCronRunner(deps, NewDeadlines(), CronConfig{})
	t.Cleanup(r.Close)
	r.Tick(context.Background(), time.Now())

	if chat.turns != 1 {
		t.Fatalf("turns = %d", chat.turns)
	}
	if !strings.Contains(chat.lastPrompt, "previous output") {
		t.Fatalf("prompt missing previous output: %q", chat.lastPrompt)
	}
	if !strings.Contains(chat.lastPrompt, "prompt body") {
		t.Fatalf("prompt missing job body: %q", chat.lastPrompt)
	}
}
