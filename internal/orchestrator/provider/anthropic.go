package provider

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

// anthropicProvider implements Provider on top of the Anthropic Messages
// API, grounded on goadesign-goa-ai's features/model/anthropic/client.go
// (message/tool encoding, response translation), adapted here from that
// teacher's generic model.Request/Response shape to the orchestrator's
// own entity.Message/ContentBlock tagged union.
type anthropicProvider struct {
	client        *sdk.Client
	model         string
	contextWindow int
	maxTokens     int
}

type AnthropicOptions struct {
	APIKey        string
	BaseURL       string
	Model         string
	ContextWindow int
	MaxTokens     int
}

func NewAnthropicProvider(opts AnthropicOptions) Provider {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := sdk.NewClient(reqOpts...)
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicProvider{
		client:        &client,
		model:         opts.Model,
		contextWindow: opts.ContextWindow,
		maxTokens:     maxTokens,
	}
}

func (p *anthropicProvider) Name() string       { return "anthropic" }
func (p *anthropicProvider) Model() string      { return p.model }
func (p *anthropicProvider) ContextWindow() int { return p.contextWindow }

func (p *anthropicProvider) Clone() Provider {
	clone := *p
	return &clone
}

func (p *anthropicProvider) SendConversation(ctx context.Context, system string, history []*entity.Message, tools []ToolSpec) (*entity.Message, *entity.TokenUsage, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	msgs, err := encodeAnthropicMessages(history)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: encode messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("anthropic: at least one message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = encodeAnthropicTools(tools)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateAnthropicMessage(msg)
}

func encodeAnthropicMessages(history []*entity.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(history))
	for _, m := range history {
		if m == nil || m.Role == entity.RoleSystem {
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Type {
			case entity.BlockText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case entity.BlockToolUse:
				var input any
				if b.ToolInput != "" {
					if err := json.Unmarshal([]byte(b.ToolInput), &input); err != nil {
						input = b.ToolInput
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			case entity.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolResultForID, b.ToolOutput, b.ToolIsError))
			case entity.BlockImage:
				if b.URL != "" {
					blocks = append(blocks, sdk.NewImageBlock(sdk.URLImageSourceParam{URL: b.URL}))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case entity.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case entity.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		}
	}
	return out, nil
}

func encodeAnthropicTools(tools []ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, t.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

func translateAnthropicMessage(msg *sdk.Message) (*entity.Message, *entity.TokenUsage, error) {
	if msg == nil {
		return nil, nil, fmt.Errorf("anthropic: empty response message")
	}
	out := &entity.Message{Role: entity.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out.Blocks = append(out.Blocks, entity.TextBlock(block.Text))
			}
		case "tool_use":
			input, _ := json.Marshal(block.Input)
			out.Blocks = append(out.Blocks, entity.ToolUseBlock(block.ID, block.Name, string(input)))
		}
	}
	usage := &entity.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return out, usage, nil
}
