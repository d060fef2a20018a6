package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

// geminiProvider implements Provider directly against
// google.golang.org/genai (not through the teacher's eino-wrapped
// einoGemini.Config), grounded on beeper-ai-bridge's
// pkg/connector/provider_gemini.go for the Contents/Tools/FunctionCall
// conversion shape.
type geminiProvider struct {
	client        *genai.Client
	model         string
	contextWindow int
}

type GeminiOptions struct {
	APIKey        string
	BaseURL       string
	Model         string
	ContextWindow int
}

func NewGeminiProvider(ctx context.Context, opts GeminiOptions) (Provider, error) {
	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &geminiProvider{client: client, model: opts.Model, contextWindow: opts.ContextWindow}, nil
}

func (p *geminiProvider) Name() string       { return "gemini" }
func (p *geminiProvider) Model() string      { return p.model }
func (p *geminiProvider) ContextWindow() int { return p.contextWindow }

func (p *geminiProvider) Clone() Provider {
	clone := *p
	return &clone
}

func (p *geminiProvider) SendConversation(ctx context.Context, system string, history []*entity.Message, tools []ToolSpec) (*entity.Message, *entity.TokenUsage, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	contents := toGeminiContents(history)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(tools) > 0 {
		config.Tools = toGeminiTools(tools)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	return translateGeminiResponse(resp)
}

func toGeminiContents(history []*entity.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		if m == nil || m.Role == entity.RoleSystem {
			continue
		}
		role := genai.RoleUser
		if m.Role == entity.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		for _, b := range m.Blocks {
			switch b.Type {
			case entity.BlockText:
				if b.Text != "" {
					parts = append(parts, &genai.Part{Text: b.Text})
				}
			case entity.BlockToolUse:
				var args map[string]any
				if b.ToolInput != "" {
					_ = json.Unmarshal([]byte(b.ToolInput), &args)
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: b.ToolName, Args: args}})
			case entity.BlockToolResult:
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					Name:     b.ToolResultForID,
					Response: map[string]any{"output": b.ToolOutput, "is_error": b.ToolIsError},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func toGeminiTools(tools []ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if len(t.InputSchema) > 0 {
			var m map[string]any
			if json.Unmarshal(t.InputSchema, &m) == nil {
				decl.Parameters = jsonSchemaToGenai(m)
			}
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func jsonSchemaToGenai(m map[string]any) *genai.Schema {
	schema := &genai.Schema{}
	switch m["type"] {
	case "object":
		schema.Type = genai.TypeObject
	case "array":
		schema.Type = genai.TypeArray
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				schema.Properties[name] = jsonSchemaToGenai(pm)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	return schema
}

func translateGeminiResponse(resp *genai.GenerateContentResponse) (*entity.Message, *entity.TokenUsage, error) {
	out := &entity.Message{Role: entity.RoleAssistant}
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				out.Blocks = append(out.Blocks, entity.TextBlock(part.Text))
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.Blocks = append(out.Blocks, entity.ToolUseBlock(part.FunctionCall.Name, part.FunctionCall.Name, string(args)))
			}
		}
	}
	usage := &entity.TokenUsage{}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, usage, nil
}
