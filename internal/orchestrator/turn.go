// Package orchestrator drives one chat turn end to end (spec §4.4): it
// wires together model resolution and fallback (model), context
// compaction (compactor), tool execution and approval (dispatcher), the
// per-session concurrency guard (inflight), and outbound message
// rendering (outbound). Grounded on the shape of the teacher's
// AgentRunner/runner.go (numbered-step synchronous body, config struct
// with NewXxx defaulting, persistence calls interleaved with each
// step) generalized from the teacher's async eino-graph streaming
// execution to the spec's simpler synchronous provider-call loop.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/compactor"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/model"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/outbound"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/provider"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
)

// Config tunes the orchestrator's defaults, mirroring the teacher's
// AgentRunnerConfig pattern of zero-value-means-default fields resolved
// once in the constructor.
type Config struct {
	DefaultToolBudget int
	MaxLoopIterations int
	BreakerThreshold  int
	BreakerCoolOff    time.Duration
	Compactor         compactor.Config
}

func (c Config) withDefaults() Config {
	if c.DefaultToolBudget <= 0 {
		c.DefaultToolBudget = 8
	}
	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = 20
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = model.DefaultBreakerThreshold
	}
	if c.BreakerCoolOff <= 0 {
		c.BreakerCoolOff = model.DefaultBreakerCoolOff
	}
	if c.Compactor == (compactor.Config{}) {
		c.Compactor = compactor.DefaultConfig()
	}
	return c
}

// Orchestrator is the top-level single-turn chat driver.
type Orchestrator struct {
	models     *provider.Registry
	dispatcher *dispatcher.Dispatcher
	guard      *inflight.Guard
	breaker    *model.CircuitBreaker
	cfg        Config
}

func New(models *provider.Registry, disp *dispatcher.Dispatcher, guard *inflight.Guard, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		models:     models,
		dispatcher: disp,
		guard:      guard,
		breaker:    model.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCoolOff),
		cfg:        cfg,
	}
}

// Request is one chat turn's input (spec §4.4 "input: (ghost, session,
// operator, new_text, new_attachments, tool_stream_sink?)").
type Request struct {
	Operator  string
	GhostName string
	Session   *entity.Session

	NewText        string
	NewAttachments []entity.ContentBlock

	Chain        *model.Chain
	SystemPrompt string
	Profile      dispatcher.Profile
	StreamSink   dispatcher.StreamSink

	// Persist is called after every mutation to the session's message
	// list, letting the caller write through to durable storage without
	// this package depending on a concrete store.
	Persist func(ctx context.Context, session *entity.Session) error
}

func (r *Request) sessionKey() inflight.Key {
	return inflight.Key{OperatorID: r.Operator, GhostName: r.GhostName, SessionID: r.Session.ID}
}

func (r *Request) persist(ctx context.Context) error {
	if r.Persist == nil {
		return nil
	}
	return r.Persist(ctx, r.Session)
}

type callResult struct {
	Message *entity.Message
	Usage   *entity.TokenUsage
}

// RunTurn executes the full single-turn flow of spec §4.4 and returns
// the outbound messages a transport should deliver.
func (o *Orchestrator) RunTurn(ctx context.Context, req *Request) ([]outbound.Message, error) {
	key := req.sessionKey()
	release, err := o.guard.Acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	toolCatalog, toolPromptFragment := o.dispatcher.Catalog(req.Profile)
	system := req.SystemPrompt
	if toolPromptFragment != "" {
		system = system + "\n\n" + toolPromptFragment
	}

	// Step 5: compact if over threshold, before the new message is even
	// appended, using whichever provider the chain would resolve to.
	contextWindow := o.peekContextWindow(req.Chain)
	if contextWindow > 0 {
		est := compactor.NewEstimator(o.peekProviderKind(req.Chain))
		if compactor.ShouldCompact(est, system, catalogText(toolCatalog), req.Session.ActiveMessages(), contextWindow, o.cfg.Compactor) {
			if err := o.compact(ctx, req, est, system, toolCatalog, contextWindow); err != nil {
				log.Warn("[orchestrator] compaction failed for session %s: %v", req.Session.ID, err)
			}
		}
	}

	// Step 6: append and persist the new operator message.
	userMsg := entity.NewUserMessage(req.NewText)
	userMsg.Blocks = append(userMsg.Blocks, req.NewAttachments...)
	req.Session.AppendMessage(userMsg)
	if err := req.persist(ctx); err != nil {
		return nil, fmt.Errorf("persist operator message: %w", err)
	}

	// Step 7: the call/dispatch loop.
	return o.runLoop(ctx, req, key, system, toolCatalog, nil)
}

// Resume continues a turn that paused in AwaitAck: the operator has
// sent an approval control, and the last assistant message's tool_use
// blocks are still waiting for results. The caller is expected to have
// applied the control to the gate (via Dispatcher.HandleControl) before
// calling Resume.
func (o *Orchestrator) Resume(ctx context.Context, req *Request) ([]outbound.Message, error) {
	key := req.sessionKey()
	release, err := o.guard.Acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	pendingCalls := req.Session.PendingToolUses()
	if len(pendingCalls) == 0 {
		return nil, fmt.Errorf("session %s has no pending tool calls to resume", req.Session.ID)
	}

	toolCatalog, toolPromptFragment := o.dispatcher.Catalog(req.Profile)
	system := req.SystemPrompt
	if toolPromptFragment != "" {
		system = system + "\n\n" + toolPromptFragment
	}
	return o.runLoop(ctx, req, key, system, toolCatalog, pendingCalls)
}

// runLoop alternates provider calls and tool dispatch until the
// provider returns a text-only reply, approval is required, or the step
// budget aborts the turn. A non-empty pendingCalls skips the initial
// provider call and dispatches those first (the Resume path).
func (o *Orchestrator) runLoop(ctx context.Context, req *Request, key inflight.Key, system string, toolCatalog []provider.ToolSpec, pendingCalls []entity.ContentBlock) ([]outbound.Message, error) {
	var out []outbound.Message

	for i := 0; i < o.cfg.MaxLoopIterations; i++ {
		if len(pendingCalls) == 0 {
			result := model.RunWithBreaker(req.Chain, o.breaker, func(ref model.Ref) (callResult, error) {
				return o.attempt(ctx, ref, system, req.Session.EffectiveHistory(), toolCatalog)
			})
			if !result.OK {
				return nil, result.AllFailedError()
			}

			req.Session.AddUsage(result.Value.Usage)
			assistantMsg := result.Value.Message
			assistantMsg.Model = result.Ref.String()
			req.Session.AppendMessage(assistantMsg)
			if err := req.persist(ctx); err != nil {
				return nil, fmt.Errorf("persist assistant message: %w", err)
			}

			toolUses := assistantMsg.ToolUses()
			if len(toolUses) == 0 {
				o.dispatcher.ResetGate(key.String())
				out = append(out, outbound.FromAssistantMessage(assistantMsg)...)
				return out, nil
			}
			pendingCalls = toolUses
		}

		results, pending, token, err := o.dispatcher.Dispatch(ctx, key.String(), req.Profile, pendingCalls, req.StreamSink)
		if err != nil {
			return nil, fmt.Errorf("dispatch tool calls: %w", err)
		}
		if pending {
			out = append(out, outbound.ApprovalPrompt(token, pendingCalls))
			return out, nil
		}
		pendingCalls = nil

		toolResultMsg := &entity.Message{Role: entity.RoleUser, Blocks: results, CreatedAt: time.Now()}
		req.Session.AppendMessage(toolResultMsg)
		if err := req.persist(ctx); err != nil {
			return nil, fmt.Errorf("persist tool results: %w", err)
		}

		if o.dispatcher.GateFor(key.String(), false).State() == dispatcher.StateAbort {
			budgetMsg := entity.NewUserMessage("tool execution budget exhausted; turn ended early")
			req.Session.AppendMessage(budgetMsg)
			if err := req.persist(ctx); err != nil {
				return nil, fmt.Errorf("persist budget-exhausted message: %w", err)
			}
			out = append(out, outbound.Text(budgetMsg.Text()))
			return out, nil
		}
	}

	return out, nil
}

func (o *Orchestrator) attempt(ctx context.Context, ref model.Ref, system string, history []*entity.Message, tools []provider.ToolSpec) (callResult, error) {
	p, ok := o.models.Resolve(ref.ProviderID)
	if !ok {
		return callResult{}, fmt.Errorf("model alias %q is not configured", ref.ProviderID)
	}
	msg, usage, err := p.SendConversation(ctx, system, history, tools)
	if err != nil {
		return callResult{}, err
	}
	return callResult{Message: msg, Usage: usage}, nil
}

// compact runs the two-phase compactor over the session's active
// messages. Phase 1 (observation masking) mutates message content in
// place at the same indices; Phase 2 (summarization) instead folds the
// older portion into session.CompactionSummary, read back in by
// entity.Session.EffectiveHistory rather than spliced into Messages
// directly, so the full raw history stays on disk for audit/replay.
func (o *Orchestrator) compact(ctx context.Context, req *Request, est compactor.Estimator, system string, tools []provider.ToolSpec, contextWindow int) error {
	p, ok := o.models.Resolve(req.Chain.Primary.ProviderID)
	if !ok {
		return fmt.Errorf("compaction: primary alias %q is not configured", req.Chain.Primary.ProviderID)
	}
	base := req.Session.FirstKeptIndex
	active := req.Session.ActiveMessages()

	result, err := compactor.Compact(ctx, p, est, system, catalogText(tools), active, contextWindow, o.cfg.Compactor)
	if err != nil {
		return err
	}
	if !result.Phase2Ran {
		if result.Phase1Ran {
			copy(req.Session.Messages[base:], result.History)
			return req.persist(ctx)
		}
		return nil
	}

	splitAt := len(active) - o.cfg.Compactor.KeepWindow
	summary := result.History[0].Text()
	// Strip the synthetic marker text Compact wraps the raw summary in;
	// EffectiveHistory re-wraps it identically when building history.
	summary = strings.TrimPrefix(summary, compactor.SummaryMarkerPrefix)
	req.Session.ApplyCompaction(summary, base+splitAt)
	return req.persist(ctx)
}

func (o *Orchestrator) peekContextWindow(chain *model.Chain) int {
	p, ok := o.models.Resolve(chain.Primary.ProviderID)
	if !ok {
		return 0
	}
	return p.ContextWindow()
}

func (o *Orchestrator) peekProviderKind(chain *model.Chain) string {
	p, ok := o.models.Resolve(chain.Primary.ProviderID)
	if !ok {
		return ""
	}
	return p.Name()
}

func catalogText(tools []provider.ToolSpec) string {
	var out string
	for _, t := range tools {
		out += t.Name + " " + t.Description + " " + string(t.InputSchema) + "\n"
	}
	return out
}
