package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/provider"
)

// StreamSink receives an incremental summary each time a tool finishes,
// so a chat transport can stream "ran search(...)" style progress lines
// to the operator while a turn is still in flight (spec §4.4 step 7d
// "emit incremental tool-call summary if tool_stream_sink present").
type StreamSink func(toolName, summary string)

// Dispatcher wires the tool Registry together with a per-session
// approval Gate to implement the dispatch sequence of spec §4.4 step 7d:
// consult the approval policy, execute via the registry, append a
// tool_result block, and optionally stream a summary.
type Dispatcher struct {
	registry      *Registry
	defaultBudget int

	mu    sync.Mutex
	gates map[string]*Gate
}

func NewDispatcher(registry *Registry, defaultBudget int) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		defaultBudget: defaultBudget,
		gates:         make(map[string]*Gate),
	}
}

// GateFor returns the Gate for a session key (typically
// "operator/ghost/session"), creating one on first use. bypass is only
// applied when the gate is first created.
func (d *Dispatcher) GateFor(sessionKey string, bypass bool) *Gate {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.gates[sessionKey]
	if !ok {
		g = NewGate(bypass)
		d.gates[sessionKey] = g
	}
	return g
}

// HandleControl applies an operator's approve/deny/steps control message
// to the session's gate.
func (d *Dispatcher) HandleControl(sessionKey, text string) error {
	ctl, err := ParseControl(text)
	if err != nil {
		return err
	}
	g := d.GateFor(sessionKey, false)
	switch ctl.Kind {
	case ControlApprove:
		return g.Approve(d.defaultBudget)
	case ControlDeny:
		return g.Deny()
	case ControlSteps:
		return g.SetSteps(ctl.Steps)
	default:
		return fmt.Errorf("handle control: unhandled kind %q", ctl.Kind)
	}
}

// Catalog returns the tool catalog and prompt fragments for a profile,
// forwarded from the underlying Registry so a caller building a system
// prompt doesn't need its own reference to it.
func (d *Dispatcher) Catalog(profile Profile) ([]provider.ToolSpec, string) {
	return d.registry.Catalog(profile)
}

// ResetGate returns a session's gate to Idle. The turn loop calls this
// once a provider reply carries no tool_use blocks (spec §4.6 "Idle
// (when provider returns text-only)").
func (d *Dispatcher) ResetGate(sessionKey string) {
	d.GateFor(sessionKey, false).Reset()
}

// Dispatch executes as many of the given tool_use blocks as the
// session's approval state currently allows, in order. If the gate
// moves to AwaitAck (first tool_use this turn, approval not yet
// granted) it returns immediately with pending=true and a token the
// caller must surface to the operator; the caller is expected to
// re-invoke Dispatch for the same calls once the operator approves.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionKey string, profile Profile, toolUses []entity.ContentBlock, sink StreamSink) (results []entity.ContentBlock, pending bool, pendingToken string, err error) {
	if len(toolUses) == 0 {
		return nil, false, "", nil
	}
	gate := d.GateFor(sessionKey, false)

	for _, call := range toolUses {
		switch gate.State() {
		case StateIdle:
			state, token := gate.RequestApproval(d.defaultBudget)
			if state == StateAwaitAck {
				return results, true, token, nil
			}
			// bypass gate: fell straight through to Active, fall through below.
		case StateAwaitAck:
			return results, true, gate.PendingToken(), nil
		}

		switch gate.State() {
		case StateAbort:
			results = append(results, entity.ToolResultBlock(call.ToolUseID, "tool execution aborted by operator", true))
			continue
		case StateActive:
			if !gate.ConsumeStep() {
				results = append(results, entity.ToolResultBlock(call.ToolUseID, "tool execution budget exhausted", true))
				continue
			}
		default:
			return results, false, "", fmt.Errorf("dispatch: unexpected gate state %s", gate.State())
		}

		output, execErr := d.execute(ctx, profile, call)
		isError := execErr != nil
		if isError {
			output = execErr.Error()
		}
		results = append(results, entity.ToolResultBlock(call.ToolUseID, output, isError))
		if sink != nil {
			sink(call.ToolName, summarizeForStream(call.ToolName, output, isError))
		}
	}
	return results, false, "", nil
}

// ExecuteDirect runs one tool immediately, without consulting any
// session gate. Background runners use it for cron pre-tools, which run
// against the restricted profile and never prompt an operator.
func (d *Dispatcher) ExecuteDirect(ctx context.Context, profile Profile, name, input string) (string, error) {
	return d.execute(ctx, profile, entity.ContentBlock{Type: entity.BlockToolUse, ToolName: name, ToolInput: input})
}

func (d *Dispatcher) execute(ctx context.Context, profile Profile, call entity.ContentBlock) (string, error) {
	tool, ok := d.registry.Get(call.ToolName)
	if !ok {
		return "", &ErrUnknownTool{Name: call.ToolName}
	}
	if catalog, _ := d.registry.Catalog(profile); !containsTool(catalog, call.ToolName) {
		return "", fmt.Errorf("tool %q is not available in profile %q", call.ToolName, profile)
	}
	if err := d.registry.Validate(call.ToolName, []byte(call.ToolInput)); err != nil {
		return "", fmt.Errorf("tool %q: invalid arguments: %w", call.ToolName, err)
	}
	return tool.Execute(ctx, []byte(call.ToolInput))
}

func containsTool(specs []provider.ToolSpec, name string) bool {
	for _, s := range specs {
		if s.Name == name {
			return true
		}
	}
	return false
}

func summarizeForStream(name, output string, isError bool) string {
	if isError {
		return fmt.Sprintf("%s failed: %s", name, truncateForStream(output))
	}
	return fmt.Sprintf("%s: %s", name, truncateForStream(output))
}

func truncateForStream(s string) string {
	const max = 120
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
