package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

// httpCompatProvider implements Provider against any OpenAI-compatible
// /chat/completions endpoint, covering openai_compatible, openrouter,
// and kimi_code per spec §6.1's provider enum — they share one wire
// contract and differ only in base URL/routing. Grounded on
// rakunlabs-at's service/llm/openai/openai.go (request/response shape,
// tool_calls encoding) using the net/http client style already
// established by this module's knowledge/embedding/http.go rather than
// that teacher's klient dependency.
type httpCompatProvider struct {
	name          string
	apiKey        string
	baseURL       string
	model         string
	contextWindow int
	routing       []string
	client        *http.Client
}

type HTTPCompatOptions struct {
	Name          string // "openai_compatible", "openrouter", "kimi_code"
	APIKey        string
	BaseURL       string
	Model         string
	ContextWindow int
	Routing       []string // openrouter-only ordered provider preference
}

func NewHTTPCompatProvider(opts HTTPCompatOptions) Provider {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &httpCompatProvider{
		name:          opts.Name,
		apiKey:        opts.APIKey,
		baseURL:       baseURL,
		model:         opts.Model,
		contextWindow: opts.ContextWindow,
		routing:       opts.Routing,
		client:        &http.Client{Timeout: defaultTimeout},
	}
}

func (p *httpCompatProvider) Name() string       { return p.name }
func (p *httpCompatProvider) Model() string      { return p.model }
func (p *httpCompatProvider) ContextWindow() int { return p.contextWindow }

func (p *httpCompatProvider) Clone() Provider {
	clone := *p
	clone.routing = append([]string(nil), p.routing...)
	return &clone
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolFunc `json:"function"`
}

type chatToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
	Provider *chatProvider `json:"provider,omitempty"`
}

// chatProvider carries OpenRouter's ordered provider-preference routing.
type chatProvider struct {
	Order []string `json:"order,omitempty"`
}

type chatResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func (p *httpCompatProvider) SendConversation(ctx context.Context, system string, history []*entity.Message, tools []ToolSpec) (*entity.Message, *entity.TokenUsage, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	req := chatRequest{Model: p.model, Messages: encodeChatMessages(system, history)}
	if len(tools) > 0 {
		req.Tools = encodeChatTools(tools)
	}
	if p.name == "openrouter" && len(p.routing) > 0 {
		req.Provider = &chatProvider{Order: p.routing}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: request: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: read response: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &httpStatusError{provider: p.name, status: resp.StatusCode, body: string(raw)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if parsed.Error != nil {
		return nil, nil, fmt.Errorf("%s: provider error: %s", p.name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, nil, fmt.Errorf("%s: no response choices", p.name)
	}

	return translateChatMessage(parsed.Choices[0].Message), usageFrom(parsed.Usage), nil
}

// httpStatusError carries the HTTP status so model.ClassifyError's
// statusCodeCarrier branch can classify it without string matching.
type httpStatusError struct {
	provider string
	status   int
	body     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.provider, e.status, e.body)
}
func (e *httpStatusError) StatusCode() int { return e.status }

func encodeChatMessages(system string, history []*entity.Message) []chatMessage {
	out := make([]chatMessage, 0, len(history)+1)
	if system != "" {
		out = append(out, chatMessage{Role: "system", Content: system})
	}
	for _, m := range history {
		if m == nil {
			continue
		}
		role := string(m.Role)
		var text string
		var toolCalls []chatToolCall
		var toolResultID, toolResultText string
		for _, b := range m.Blocks {
			switch b.Type {
			case entity.BlockText:
				text += b.Text
			case entity.BlockToolUse:
				toolCalls = append(toolCalls, chatToolCall{
					ID: b.ToolUseID, Type: "function",
					Function: chatFunctionCall{Name: b.ToolName, Arguments: b.ToolInput},
				})
			case entity.BlockToolResult:
				toolResultID = b.ToolResultForID
				toolResultText = b.ToolOutput
			}
		}
		if toolResultID != "" {
			out = append(out, chatMessage{Role: "tool", ToolCallID: toolResultID, Content: toolResultText})
			continue
		}
		cm := chatMessage{Role: role, Content: text}
		if len(toolCalls) > 0 {
			cm.ToolCalls = toolCalls
		}
		out = append(out, cm)
	}
	return out
}

func encodeChatTools(tools []ToolSpec) []chatTool {
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, chatTool{
			Type: "function",
			Function: chatToolFunc{
				Name: t.Name, Description: t.Description, Parameters: t.InputSchema,
			},
		})
	}
	return out
}

func translateChatMessage(m chatMessage) *entity.Message {
	out := &entity.Message{Role: entity.RoleAssistant}
	if m.Content != "" {
		out.Blocks = append(out.Blocks, entity.TextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		out.Blocks = append(out.Blocks, entity.ToolUseBlock(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return out
}

func usageFrom(u *struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}) *entity.TokenUsage {
	if u == nil {
		return nil
	}
	return &entity.TokenUsage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}
