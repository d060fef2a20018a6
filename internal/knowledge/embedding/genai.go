package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// genaiProvider implements Provider against Google's genai embedding
// models. No teacher precedent exists for this backend; it is wired in
// to exercise the module's google.golang.org/genai dependency per
// SPEC_FULL.md's domain-stack mapping, following the same thin
// request/response adapter shape as httpProvider in http.go.
type genaiProvider struct {
	client *genai.Client
	model  string
}

type GenAIOptions struct {
	APIKey string
	Model  string
}

func NewGenAIProvider(ctx context.Context, opts GenAIOptions) (Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	model := opts.Model
	if model == "" {
		model = "text-embedding-004"
	}
	return &genaiProvider{client: client, model: model}, nil
}

func (p *genaiProvider) ID() string    { return "gemini" }
func (p *genaiProvider) Model() string { return p.model }

func (p *genaiProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	return out[0], nil
}

func (p *genaiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return out, nil
}
