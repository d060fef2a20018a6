package store

import (
	"path/filepath"
	"testing"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "control.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPair(t *testing.T, s *Store) (*Operator, *Ghost) {
	t.Helper()
	op, err := s.CreateOperator("alice", "cli")
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}
	if err := s.SetOperatorStatus(op.ID, OperatorApproved); err != nil {
		t.Fatalf("approve operator: %v", err)
	}
	g, err := s.CreateGhost("wisp", op.ID)
	if err != nil {
		t.Fatalf("create ghost: %v", err)
	}
	return op, g
}

func TestOperatorLifecycle(t *testing.T) {
	s := openTestStore(t)
	op, err := s.CreateOperator("bob", "discord")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if op.Status != OperatorPending {
		t.Fatalf("new operator status = %q, want pending", op.Status)
	}

	if err := s.SetOperatorStatus(op.ID, OperatorDenied); err != nil {
		t.Fatalf("deny: %v", err)
	}
	got, err := s.GetOperator(op.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != OperatorDenied {
		t.Fatalf("status = %q, want denied", got.Status)
	}

	if err := s.BindInterface("discord", "1234", op.ID); err != nil {
		t.Fatalf("bind interface: %v", err)
	}
	bound, err := s.OperatorForInterface("discord", "1234")
	if err != nil {
		t.Fatalf("lookup interface: %v", err)
	}
	if bound == nil || bound.ID != op.ID {
		t.Fatalf("interface resolved to %+v, want operator %s", bound, op.ID)
	}
	missing, err := s.OperatorForInterface("discord", "absent")
	if err != nil {
		t.Fatalf("lookup absent interface: %v", err)
	}
	if missing != nil {
		t.Fatalf("absent interface resolved to %+v", missing)
	}
}

func TestGhostNameValidation(t *testing.T) {
	s := openTestStore(t)
	op, _ := s.CreateOperator("alice", "cli")

	cases := []struct {
		name string
		ok   bool
	}{
		{"wisp", true},
		{"Wisp-2", true},
		{"a_b", true},
		{"../evil", false},
		{"has space", false},
		{"", false},
	}
	for _, tc := range cases {
		_, err := s.CreateGhost(tc.name, op.ID)
		if tc.ok && err != nil {
			t.Errorf("CreateGhost(%q) = %v, want ok", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("CreateGhost(%q) succeeded, want error", tc.name)
		}
	}
}

func TestSessionSingleActivePerPair(t *testing.T) {
	s := openTestStore(t)
	op, g := seedPair(t, s)

	first, err := s.CreateSession(g.ID, op.ID)
	if err != nil {
		t.Fatalf("create first session: %v", err)
	}
	second, err := s.CreateSession(g.ID, op.ID)
	if err != nil {
		t.Fatalf("create second session: %v", err)
	}

	active, err := s.ActiveSession(g.ID, op.ID)
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Fatalf("active session = %+v, want %s", active, second.ID)
	}
	if active.ID == first.ID {
		t.Fatal("prior session still active")
	}
}

func TestSessionMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)
	op, g := seedPair(t, s)
	sess, err := s.CreateSession(g.ID, op.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	sess.AppendMessage(entity.NewUserMessage("hello"))
	asst := entity.NewAssistantMessage(
		entity.ToolUseBlock("tu_1", "note_search", `{"query":"x"}`),
	)
	asst.Model = "anthropic/claude"
	sess.AppendMessage(asst)
	sess.AppendMessage(&entity.Message{
		Role:   entity.RoleUser,
		Blocks: []entity.ContentBlock{entity.ToolResultBlock("tu_1", "result text", false)},
	})
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Appending more and saving again must not duplicate earlier rows.
	sess.AppendMessage(entity.NewAssistantMessage(entity.TextBlock("done")))
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("reloaded %d messages, want 4", len(got.Messages))
	}
	if got.Messages[1].Model != "anthropic/claude" {
		t.Errorf("model = %q", got.Messages[1].Model)
	}
	tu := got.Messages[1].Blocks[0]
	if tu.Type != entity.BlockToolUse || tu.ToolUseID != "tu_1" {
		t.Errorf("tool use block = %+v", tu)
	}
	tr := got.Messages[2].Blocks[0]
	if tr.Type != entity.BlockToolResult || tr.ToolResultForID != "tu_1" {
		t.Errorf("tool result block = %+v", tr)
	}
}

func TestSaveSessionPersistsMasking(t *testing.T) {
	s := openTestStore(t)
	op, g := seedPair(t, s)
	sess, _ := s.CreateSession(g.ID, op.ID)

	sess.AppendMessage(&entity.Message{
		Role:   entity.RoleUser,
		Blocks: []entity.ContentBlock{entity.ToolResultBlock("tu_1", "a very long observation", false)},
	})
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	sess.Messages[0].Blocks[0].ToolOutput = "[tool_result: x — a very... (truncated)]"
	sess.Messages[0].Blocks[0].ToolMasked = true
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save masked: %v", err)
	}

	got, _ := s.GetSession(sess.ID)
	if !got.Messages[0].Blocks[0].ToolMasked {
		t.Fatal("masked flag not persisted")
	}
	if got.Messages[0].Blocks[0].ToolOutput == "a very long observation" {
		t.Fatal("masked content not persisted")
	}
}

func TestJobLogLifecycle(t *testing.T) {
	s := openTestStore(t)
	_, g := seedPair(t, s)

	id, err := s.InsertStarted(g.ID, "sess-1", JobReflection)
	if err != nil {
		t.Fatalf("insert started: %v", err)
	}

	// Phase one: the row is visible and in progress.
	j, err := s.GetJobLog(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !j.InProgress() {
		t.Fatal("fresh job log not in progress")
	}

	// Phase two: todos mutate mid-run.
	todos := []TodoItem{{Text: "review diary", Status: "pending"}, {Text: "update notes", Status: "pending"}}
	if err := s.UpdateJobTodos(id, todos); err != nil {
		t.Fatalf("update todos: %v", err)
	}
	if err := s.SetJobTodoStatus(id, 0, "done"); err != nil {
		t.Fatalf("set todo status: %v", err)
	}
	if err := s.AppendTranscript(id, TranscriptEntry{Role: "ghost", Content: "working on it"}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	// Phase three: finish.
	transcript := []TranscriptEntry{
		{Role: "operator", Content: "reflect"},
		{Role: "ghost", Content: "reflection complete", Model: "claude"},
	}
	if err := s.FinishJob(id, "ok", transcript, "carry on tomorrow"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	j, err = s.GetJobLog(id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if j.InProgress() {
		t.Fatal("finished job still in progress")
	}
	if j.Status != "ok" || j.HandoffNote != "carry on tomorrow" {
		t.Fatalf("status=%q handoff=%q", j.Status, j.HandoffNote)
	}
	if len(j.TodoList) != 2 || j.TodoList[0].Status != "done" {
		t.Fatalf("todos = %+v", j.TodoList)
	}

	sums, err := s.ListJobSummaries(10)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 1 || sums[0].Preview != "reflection complete" {
		t.Fatalf("summaries = %+v", sums)
	}
}

func TestSetJobTodoStatusOutOfRange(t *testing.T) {
	s := openTestStore(t)
	_, g := seedPair(t, s)
	id, _ := s.InsertStarted(g.ID, "", JobHeartbeat)
	if err := s.SetJobTodoStatus(id, 0, "done"); err == nil {
		t.Fatal("patching a missing todo item succeeded")
	}
}
