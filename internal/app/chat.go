package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/dispatcher"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/inflight"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/model"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/outbound"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/prompt"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
	"github.com/ghostmesh/ghostmesh/internal/store"
	"github.com/ghostmesh/ghostmesh/internal/tools"
	"github.com/ghostmesh/ghostmesh/internal/transport"
	"github.com/ghostmesh/ghostmesh/internal/transport/pending"
)

// ChatService sits between the transports and the orchestrator: it
// routes operator control messages, resolves the session and model
// chain, builds the system prompt, and runs the turn. It also backs the
// scheduler's hidden turns and cron pre-tools.
type ChatService struct {
	app *App
}

func NewChatService(a *App) *ChatService { return &ChatService{app: a} }

// HandleOperatorMessage processes one inbound operator message for a
// ghost: control verbs short-circuit, anything else runs a chat turn.
func (s *ChatService) HandleOperatorMessage(ctx context.Context, op *store.Operator, ghostName, text string, attachments []entity.ContentBlock) ([]outbound.Message, error) {
	if op.Status != store.OperatorApproved {
		return []outbound.Message{outbound.Err("operator is not approved")}, nil
	}
	ghost, err := s.app.Control.GetGhostByName(ghostName)
	if err != nil {
		return nil, fmt.Errorf("ghost %q: %w", ghostName, err)
	}
	if err := s.app.RegisterGhost(ghost.Name); err != nil {
		return nil, err
	}

	if ctrl, ok := transport.ParseControl(text); ok {
		return s.handleControl(ctx, op, ghost, ctrl)
	}

	sess, err := s.sessionFor(ghost, op)
	if err != nil {
		return nil, err
	}
	req, err := s.buildRequest(ctx, op, ghost, sess)
	if err != nil {
		return nil, err
	}
	req.NewText = text
	req.NewAttachments = attachments

	out, err := s.app.Orch.RunTurn(tools.WithGhost(ctx, ghost.Name), req)
	if err != nil {
		return nil, err
	}
	s.recordApprovalToken(op, ghost, sess, out)
	return out, nil
}

func (s *ChatService) handleControl(ctx context.Context, op *store.Operator, ghost *store.Ghost, ctrl *transport.Control) ([]outbound.Message, error) {
	switch ctrl.Kind {
	case transport.ControlNewSession:
		prev, err := s.app.Control.ActiveSession(ghost.ID, op.ID)
		if err != nil {
			return nil, err
		}
		sess, err := s.app.Control.CreateSession(ghost.ID, op.ID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			// Reflection reviews the abandoned session asynchronously.
			s.app.Reflection.TriggerFor(prev.ID)
		}
		return []outbound.Message{outbound.Text(fmt.Sprintf("started session %s", sess.ID))}, nil

	case transport.ControlApprove, transport.ControlDeny, transport.ControlSteps:
		sess, err := s.app.Control.ActiveSession(ghost.ID, op.ID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return []outbound.Message{outbound.Err("no active session")}, nil
		}
		key := inflight.Key{OperatorID: op.ID, GhostName: ghost.Name, SessionID: sess.ID}
		if err := s.app.Dispatcher.HandleControl(key.String(), ctrl.String()); err != nil {
			return []outbound.Message{outbound.Err(err.Error())}, nil
		}
		req, err := s.buildRequest(ctx, op, ghost, sess)
		if err != nil {
			return nil, err
		}
		out, err := s.app.Orch.Resume(tools.WithGhost(ctx, ghost.Name), req)
		if err != nil {
			return nil, err
		}
		s.recordApprovalToken(op, ghost, sess, out)
		return out, nil

	case transport.ControlGhost:
		// Ghost switching is connection state; the transport handles it
		// and never forwards the verb here.
		return []outbound.Message{outbound.Err("ghost switching is handled by the transport")}, nil
	}
	return nil, fmt.Errorf("unhandled control %q", ctrl.Kind)
}

// recordApprovalToken mirrors an approval prompt's token into the
// pending-action store so any transport can round-trip it.
func (s *ChatService) recordApprovalToken(op *store.Operator, ghost *store.Ghost, sess *entity.Session, out []outbound.Message) {
	for _, msg := range out {
		if msg.Kind != outbound.KindApproval || msg.Token == "" {
			continue
		}
		_, err := s.app.Pending.Put(pending.Action{
			Token:      msg.Token,
			OperatorID: op.ID,
			GhostName:  ghost.Name,
			SessionID:  sess.ID,
			Intent:     "tool_approval",
		})
		if err != nil {
			log.Warn("[chat] record pending action: %v", err)
		}
	}
}

// sessionFor returns the pair's active session, creating one on first
// contact.
func (s *ChatService) sessionFor(ghost *store.Ghost, op *store.Operator) (*entity.Session, error) {
	sess, err := s.app.Control.ActiveSession(ghost.ID, op.ID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return s.app.Control.CreateSession(ghost.ID, op.ID)
	}
	return sess, nil
}

func (s *ChatService) buildRequest(ctx context.Context, op *store.Operator, ghost *store.Ghost, sess *entity.Session) (*orchestrator.Request, error) {
	chain := s.resolveChain(ghost, op)
	if chain == nil {
		return nil, fmt.Errorf("no model configured")
	}
	system := s.systemPrompt(ctx, ghost)
	return &orchestrator.Request{
		Operator:     op.ID,
		GhostName:    ghost.Name,
		Session:      sess,
		Chain:        chain,
		SystemPrompt: system,
		Profile:      dispatcher.ProfileFullChat,
		Persist: func(_ context.Context, sess *entity.Session) error {
			return s.app.Control.SaveSession(sess)
		},
	}, nil
}

// resolveChain implements the override order of spec §4.4: ghost
// override, then operator override, then the configured default chain.
func (s *ChatService) resolveChain(ghost *store.Ghost, op *store.Operator) *model.Chain {
	aliases := s.app.Cfg.DefaultModel
	if op != nil && op.ModelOverride != "" {
		aliases = []string{op.ModelOverride}
	}
	if ghost != nil && ghost.ModelOverride != "" {
		aliases = []string{ghost.ModelOverride}
	}
	return chainFromAliases(aliases)
}

func chainFromAliases(aliases []string) *model.Chain {
	if len(aliases) == 0 {
		return nil
	}
	chain := &model.Chain{Primary: model.Ref{ProviderID: aliases[0], ModelID: aliases[0]}}
	for _, a := range aliases[1:] {
		chain.Fallbacks = append(chain.Fallbacks, model.Ref{ProviderID: a, ModelID: a})
	}
	return chain
}

// systemPrompt assembles the identity + diary + skills prompt and
// lazily reconciles the knowledge index beforehand.
func (s *ChatService) systemPrompt(ctx context.Context, ghost *store.Ghost) string {
	s.app.Knowledge.MaybeReconcile(ctx)

	pc := &prompt.Context{GhostName: ghost.Name}
	if soul, err := os.ReadFile(s.app.Layout.SoulPath(ghost.Name)); err == nil {
		pc.Soul = string(soul)
	}
	now := time.Now()
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		if entry, err := os.ReadFile(s.app.Layout.DiaryPath(ghost.Name, day)); err == nil {
			pc.DiaryEntries = append(pc.DiaryEntries, string(entry))
		}
	}
	return s.app.Prompt.Assemble(ctx, pc)
}

// HiddenTurn implements scheduler.Chat: it runs the provider loop over
// the session's history plus an ephemeral prompt message, executing
// tools directly (background runs have no operator to ask), and returns
// the final text without touching the persisted history.
func (s *ChatService) HiddenTurn(ctx context.Context, ghost *store.Ghost, sess *entity.Session, promptText string, profile dispatcher.Profile) (string, error) {
	ctx = tools.WithGhost(ctx, ghost.Name)
	chain := s.resolveChain(ghost, nil)
	if heartbeat := s.app.Cfg.HeartbeatModel; len(heartbeat) > 0 && ghost.ModelOverride == "" {
		chain = chainFromAliases(heartbeat)
	}
	if chain == nil {
		return "", fmt.Errorf("no model configured")
	}

	toolCatalog, fragment := s.app.Dispatcher.Catalog(profile)
	system := s.systemPrompt(ctx, ghost)
	if fragment != "" {
		system += "\n\n" + fragment
	}

	history := append([]*entity.Message{}, sess.EffectiveHistory()...)
	history = append(history, entity.NewUserMessage(promptText))

	const maxIterations = 8
	for i := 0; i < maxIterations; i++ {
		result := model.Run(chain, func(ref model.Ref) (*entity.Message, error) {
			p, ok := s.app.Models.Resolve(ref.ProviderID)
			if !ok {
				return nil, fmt.Errorf("model alias %q is not configured", ref.ProviderID)
			}
			msg, _, err := p.SendConversation(ctx, system, history, toolCatalog)
			return msg, err
		})
		if !result.OK {
			return "", result.AllFailedError()
		}
		msg := result.Value
		toolUses := msg.ToolUses()
		if len(toolUses) == 0 {
			return msg.Text(), nil
		}
		history = append(history, msg)
		var results []entity.ContentBlock
		for _, call := range toolUses {
			out, err := s.app.Dispatcher.ExecuteDirect(ctx, profile, call.ToolName, call.ToolInput)
			isError := err != nil
			if isError {
				out = err.Error()
			}
			results = append(results, entity.ToolResultBlock(call.ToolUseID, out, isError))
		}
		history = append(history, &entity.Message{Role: entity.RoleUser, Blocks: results, CreatedAt: time.Now()})
	}
	return "", fmt.Errorf("hidden turn exceeded %d iterations", maxIterations)
}

// RunTool implements scheduler.Chat for cron pre-tools.
func (s *ChatService) RunTool(ctx context.Context, ghostName, name, input string, profile dispatcher.Profile) (string, error) {
	return s.app.Dispatcher.ExecuteDirect(tools.WithGhost(ctx, ghostName), profile, name, input)
}

// DescribeTools renders the active tool catalog for diagnostics.
func (s *ChatService) DescribeTools(profile dispatcher.Profile) string {
	catalog, _ := s.app.Dispatcher.Catalog(profile)
	var sb strings.Builder
	for _, t := range catalog {
		sb.WriteString(t.Name + ": " + t.Description + "\n")
	}
	return sb.String()
}
