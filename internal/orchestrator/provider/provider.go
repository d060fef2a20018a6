// Package provider adapts concrete LLM backends (Anthropic, Gemini, and
// OpenAI-compatible HTTP endpoints including OpenRouter and Kimi) behind
// one small capability interface, generalized from the teacher's
// llm/provider/spi.ProviderPlugin family. The teacher's SPI is built
// around cloudwego/eino's model.BaseChatModel and its own
// entity.ModelProvider/ModelInstance/LLMParams types; this package drops
// that abstraction layer entirely and talks to each backend's own SDK
// directly, since the spec's provider contract is just
// "{send_conversation, name, model, clone}" (spec §7 glossary).
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

// ToolSpec describes one tool entry in the catalog advertised to a
// provider for a single chat turn.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Provider is a request/response endpoint that accepts a system-prompt
// block, a message history, and a tool catalog, and returns a single
// normalized assistant message plus usage (spec §3 "Provider
// interface"). Any concrete LLM backend is an adapter behind this
// interface.
type Provider interface {
	// Name identifies the provider kind, e.g. "anthropic", "gemini".
	Name() string
	// Model returns the concrete model identifier this instance targets.
	Model() string
	// ContextWindow returns the configured context window in tokens, used
	// by the compactor's threshold estimation (spec §4.5).
	ContextWindow() int
	// Clone returns an independent copy of this provider bound to the
	// same model, safe to hand to a concurrent chat turn.
	Clone() Provider
	// SendConversation issues one provider call and returns the
	// assistant's reply as a single message (possibly containing
	// tool_use blocks) plus the turn's token usage.
	SendConversation(ctx context.Context, system string, history []*entity.Message, tools []ToolSpec) (*entity.Message, *entity.TokenUsage, error)
}

// defaultTimeout is the provider call deadline applied when the caller's
// context carries no earlier deadline (spec §8 "every provider ...
// call suspends; both have timeouts (provider ~120s default ...)").
const defaultTimeout = 120 * time.Second

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}
