package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`)
}
func (echoTool) PromptFragment() string { return "" }
func (echoTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	return in.Msg, nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(echoTool{}, ProfileFullChat); err != nil {
		t.Fatalf("register echo tool: %v", err)
	}
	return NewDispatcher(reg, 3)
}

func toolUse(name, input string) entity.ContentBlock {
	return entity.ToolUseBlock("call-1", name, input)
}

func TestDispatchPausesForApprovalOnFirstCall(t *testing.T) {
	d := newTestDispatcher(t)
	results, pending, token, err := d.Dispatch(context.Background(), "sess-1", ProfileFullChat,
		[]entity.ContentBlock{toolUse("echo", `{"msg":"hi"}`)}, nil)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !pending {
		t.Fatal("expected Dispatch to pause for operator approval on the first call")
	}
	if token == "" {
		t.Error("expected a pending token to be issued")
	}
	if len(results) != 0 {
		t.Errorf("expected no results while pending, got %d", len(results))
	}
	if state := d.GateFor("sess-1", false).State(); state != StateAwaitAck {
		t.Errorf("gate state = %s, want %s", state, StateAwaitAck)
	}
}

func TestDispatchExecutesAfterApproval(t *testing.T) {
	d := newTestDispatcher(t)
	_, _, _, err := d.Dispatch(context.Background(), "sess-1", ProfileFullChat,
		[]entity.ContentBlock{toolUse("echo", `{"msg":"hi"}`)}, nil)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if err := d.HandleControl("sess-1", "approve"); err != nil {
		t.Fatalf("HandleControl(approve) returned error: %v", err)
	}

	results, pending, _, err := d.Dispatch(context.Background(), "sess-1", ProfileFullChat,
		[]entity.ContentBlock{toolUse("echo", `{"msg":"hi"}`)}, nil)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if pending {
		t.Fatal("expected Dispatch to execute once approved")
	}
	if len(results) != 1 {
		t.Fatalf("expected one tool_result block, got %d", len(results))
	}
	if results[0].ToolOutput != "hi" {
		t.Errorf("tool output = %q, want %q", results[0].ToolOutput, "hi")
	}
	if results[0].ToolIsError {
		t.Error("expected tool_result to not be an error")
	}
}

func TestDispatchBudgetExhaustionAborts(t *testing.T) {
	d := newTestDispatcher(t)
	gate := d.GateFor("sess-1", false)
	if err := gate.Approve(1); err == nil {
		t.Fatal("expected Approve from Idle to fail")
	}

	// Drive the gate into AwaitAck via the normal path, then answer the
	// prompt with a steps control: that approves with a budget of 1.
	d.Dispatch(context.Background(), "sess-1", ProfileFullChat, []entity.ContentBlock{toolUse("echo", `{"msg":"a"}`)}, nil)
	if err := d.HandleControl("sess-1", "steps 1"); err != nil {
		t.Fatalf("steps control while AwaitAck: %v", err)
	}

	calls := []entity.ContentBlock{toolUse("echo", `{"msg":"a"}`), toolUse("echo", `{"msg":"b"}`)}
	results, pending, _, err := d.Dispatch(context.Background(), "sess-1", ProfileFullChat, calls, nil)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if pending {
		t.Fatal("did not expect Dispatch to pause once Active")
	}
	if len(results) != 2 {
		t.Fatalf("expected two tool_result blocks, got %d", len(results))
	}
	if results[0].ToolIsError {
		t.Error("first call should have consumed the budget and succeeded")
	}
	if !results[1].ToolIsError {
		t.Error("second call should have found the budget exhausted and aborted")
	}
}

func TestDispatchRejectsUnknownTool(t *testing.T) {
	d := newTestDispatcher(t)
	d.GateFor("sess-1", true) // bypass: skip the approval prompt

	results, pending, _, err := d.Dispatch(context.Background(), "sess-1", ProfileFullChat,
		[]entity.ContentBlock{toolUse("does-not-exist", `{}`)}, nil)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if pending {
		t.Fatal("bypass gate should never pause")
	}
	if len(results) != 1 || !results[0].ToolIsError {
		t.Fatalf("expected a single error tool_result, got %+v", results)
	}
}

func TestDispatchRejectsArgumentsFailingSchema(t *testing.T) {
	d := newTestDispatcher(t)
	d.GateFor("sess-1", true)

	results, _, _, err := d.Dispatch(context.Background(), "sess-1", ProfileFullChat,
		[]entity.ContentBlock{toolUse("echo", `{}`)}, nil)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(results) != 1 || !results[0].ToolIsError {
		t.Fatalf("expected schema validation to fail as a tool error, got %+v", results)
	}
}

func TestParseControl(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		kind    ControlKind
		steps   int
	}{
		{"approve", false, ControlApprove, 0},
		{" Deny ", false, ControlDeny, 0},
		{"steps 5", false, ControlSteps, 5},
		{"steps", true, "", 0},
		{"steps nope", true, "", 0},
		{"bogus", true, "", 0},
	}
	for _, c := range cases {
		got, err := ParseControl(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseControl(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseControl(%q): unexpected error: %v", c.in, err)
		}
		if got.Kind != c.kind || got.Steps != c.steps {
			t.Errorf("ParseControl(%q) = %+v, want kind=%s steps=%d", c.in, got, c.kind, c.steps)
		}
	}
}
