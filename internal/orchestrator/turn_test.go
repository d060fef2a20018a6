package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/model"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/outbound"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/provider"
)

// scriptedProvider returns its canned messages in order.
type scriptedProvider struct {
	replies []*entity.Message
	calls   int
}

func (p *scriptedProvider) Name() string            { return "scripted" }
func (p *scriptedProvider) Model() string           { return "scripted-1" }
func (p *scriptedProvider) ContextWindow() int      { return 200000 }
func (p *scriptedProvider) Clone() provider.Provider { return p }

func (p *scriptedProvider) SendConversation(_ context.Context, _ string, _ []*entity.Message, _ []provider.ToolSpec) (*entity.Message, *entity.TokenUsage, error) {
	if p.calls >= len(p.replies) {
		return nil, nil, fmt.Errorf("scripted provider exhausted after %d calls", p.calls)
	}
	msg := p.replies[p.calls]
	p.calls++
	return msg, &entity.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its message argument" }
func (echoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`)
}
func (echoTool) PromptFragment() string { return "" }
func (echoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	return in.Msg, nil
}

func newTestOrchestrator(t *testing.T, p provider.Provider) (*Orchestrator, *dispatcher.Dispatcher) {
	t.Helper()
	reg := dispatcher.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	disp := dispatcher.NewDispatcher(reg, 4)
	models := provider.NewStaticRegistry(map[string]provider.Provider{"primary": p})
	orch := New(models, disp, inflight.NewGuard(), Config{})
	return orch, disp
}

func newTestRequest(sess *entity.Session) *Request {
	return &Request{
		Operator:  "op-1",
		GhostName: "wisp",
		Session:   sess,
		Chain:     &model.Chain{Primary: model.Ref{ProviderID: "primary", ModelID: "primary"}},
		Profile:   dispatcher.ProfileFullChat,
	}
}

func TestRunTurnTextOnly(t *testing.T) {
	p := &scriptedProvider{replies: []*entity.Message{
		entity.NewAssistantMessage(entity.TextBlock("hello there")),
	}}
	orch, _ := newTestOrchestrator(t, p)

	sess := entity.NewSession("s1", "g1", "op-1")
	req := newTestRequest(sess)
	req.NewText = "hi"

	out, err := orch.RunTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(out) != 1 || out[0].Kind != outbound.KindText || out[0].Text != "hello there" {
		t.Fatalf("outbound = %+v", out)
	}
	// operator message + assistant message persisted in order.
	if len(sess.Messages) != 2 {
		t.Fatalf("session has %d messages", len(sess.Messages))
	}
	if sess.Usage == nil || sess.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", sess.Usage)
	}
}

func TestRunTurnPausesForApprovalThenResumes(t *testing.T) {
	p := &scriptedProvider{replies: []*entity.Message{
		entity.NewAssistantMessage(entity.ToolUseBlock("tu_1", "echo", `{"msg":"ping"}`)),
		entity.NewAssistantMessage(entity.TextBlock("done")),
	}}
	orch, disp := newTestOrchestrator(t, p)

	sess := entity.NewSession("s1", "g1", "op-1")
	req := newTestRequest(sess)
	req.NewText = "run the tool"

	out, err := orch.RunTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(out) != 1 || out[0].Kind != outbound.KindApproval {
		t.Fatalf("expected approval prompt, got %+v", out)
	}
	if out[0].Token == "" || len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].Name != "echo" {
		t.Fatalf("approval prompt = %+v", out[0])
	}

	// No tool ran while AwaitAck: the last message is still the
	// assistant's tool_use request.
	if got := sess.PendingToolUses(); len(got) != 1 || got[0].ToolUseID != "tu_1" {
		t.Fatalf("pending tool uses = %+v", got)
	}

	key := inflight.Key{OperatorID: "op-1", GhostName: "wisp", SessionID: "s1"}
	if err := disp.HandleControl(key.String(), "approve"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	out, err = orch.Resume(context.Background(), newTestRequest(sess))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(out) != 1 || out[0].Text != "done" {
		t.Fatalf("resume outbound = %+v", out)
	}

	// Tool pairing invariant: every tool_result follows its tool_use.
	assertToolPairing(t, sess.Messages)
	if left := sess.PendingToolUses(); len(left) != 0 {
		t.Fatalf("unresolved tool uses after resume: %+v", left)
	}
}

func TestRunTurnRejectsConcurrentTurn(t *testing.T) {
	p := &scriptedProvider{replies: []*entity.Message{
		entity.NewAssistantMessage(entity.TextBlock("x")),
	}}
	orch, _ := newTestOrchestrator(t, p)
	sess := entity.NewSession("s1", "g1", "op-1")

	key := inflight.Key{OperatorID: "op-1", GhostName: "wisp", SessionID: "s1"}
	guard := orch.guard
	release, err := guard.Acquire(key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	req := newTestRequest(sess)
	req.NewText = "hi"
	if _, err := orch.RunTurn(context.Background(), req); err == nil {
		t.Fatal("concurrent turn was not rejected")
	}
}

func assertToolPairing(t *testing.T, msgs []*entity.Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, msg := range msgs {
		for _, b := range msg.Blocks {
			switch b.Type {
			case entity.BlockToolUse:
				seen[b.ToolUseID] = true
			case entity.BlockToolResult:
				if !seen[b.ToolResultForID] {
					t.Fatalf("message %d: tool_result %s has no preceding tool_use", i, b.ToolResultForID)
				}
			}
		}
	}
}
