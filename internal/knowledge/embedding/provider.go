// Package embedding provides the dense-vector embedding backends the
// knowledge engine's indexer and search path call into.
//
// Grounded on the teacher's memory-core/embedding package (Provider
// interface, ProviderResult/fallback shape, factory switch-on-id
// pattern) generalized from a fixed openai/gemini/local set to an
// explicit genai-backed provider (exercising the module's
// google.golang.org/genai dependency) plus the same HTTP-compatible
// provider for self-hosted/OpenAI-compatible endpoints.
package embedding

import "context"

// Provider is implemented by every embedding backend.
type Provider interface {
	ID() string
	Model() string
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderResult records whether the requested backend was honored or a
// configured fallback had to be used instead.
type ProviderResult struct {
	Provider         Provider
	RequestedBackend string
	FallbackFrom     string
	FallbackReason   string
}

// ProviderKey is a stable identity string for a provider: its backend id
// and model joined by a colon.
func ProviderKey(p Provider) string {
	return p.ID() + ":" + p.Model()
}

// Config is the subset of config.toml's [tools.knowledge.embedding] table the factory
// needs (spec §6.1).
type Config struct {
	Provider string
	Model    string
	Fallback string
	APIKey   string
	BaseURL  string
}
