package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Kind enumerates the provider families a [models.<alias>] config block
// can name (spec §6.1).
type Kind string

const (
	KindAnthropic        Kind = "anthropic"
	KindGemini           Kind = "gemini"
	KindOpenRouter       Kind = "openrouter"
	KindOpenAICompatible Kind = "openai_compatible"
	KindKimiCode         Kind = "kimi_code"
)

// Config is one `[models.<alias>]` block.
type Config struct {
	Alias         string
	Provider      Kind
	Model         string
	BaseURL       string
	APIKeyEnv     string
	Routing       []string
	ContextWindow int
}

func requiredEnvFor(kind Kind) string {
	switch kind {
	case KindAnthropic:
		return "ANTHROPIC_API_KEY"
	case KindGemini:
		return "GEMINI_API_KEY"
	case KindOpenRouter:
		return "OPENROUTER_API_KEY"
	case KindKimiCode:
		return "KIMI_API_KEY"
	case KindOpenAICompatible:
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}

// Validate checks one model alias config against spec §6.1's rejection
// rules: routing only on openrouter, non-empty/non-blank routing
// entries, and a populated credential env var.
func (c Config) Validate() error {
	if c.Alias == "" {
		return fmt.Errorf("model alias is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model %q: model identifier is required", c.Alias)
	}
	if len(c.Routing) > 0 && c.Provider != KindOpenRouter {
		return fmt.Errorf("model %q: routing is only valid for provider=openrouter, got %q", c.Alias, c.Provider)
	}
	if c.Provider == KindOpenRouter {
		for _, r := range c.Routing {
			if strings.TrimSpace(r) == "" {
				return fmt.Errorf("model %q: routing entries must not be blank", c.Alias)
			}
		}
	}
	envName := c.APIKeyEnv
	if envName == "" {
		envName = requiredEnvFor(c.Provider)
	}
	if envName == "" {
		return fmt.Errorf("model %q: unknown provider %q", c.Alias, c.Provider)
	}
	if os.Getenv(envName) == "" {
		return fmt.Errorf("model %q: provider %q requires environment variable %s", c.Alias, c.Provider, envName)
	}
	return nil
}

// Registry resolves a model alias to a live Provider instance.
type Registry struct {
	providers map[string]Provider
}

// BuildRegistry validates every config and constructs its Provider.
// Invalid entries fail the whole build: a bad default-model chain
// should never silently start up partially configured (spec §6.1
// "Validation rejects a default model whose provider lacks required
// credentials...").
func BuildRegistry(ctx context.Context, configs []Config) (*Registry, error) {
	reg := &Registry{providers: make(map[string]Provider, len(configs))}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		p, err := buildProvider(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", cfg.Alias, err)
		}
		reg.providers[cfg.Alias] = p
	}
	return reg, nil
}

func buildProvider(ctx context.Context, cfg Config) (Provider, error) {
	envName := cfg.APIKeyEnv
	if envName == "" {
		envName = requiredEnvFor(cfg.Provider)
	}
	apiKey := os.Getenv(envName)

	switch cfg.Provider {
	case KindAnthropic:
		return NewAnthropicProvider(AnthropicOptions{
			APIKey: apiKey, BaseURL: cfg.BaseURL, Model: cfg.Model, ContextWindow: cfg.ContextWindow,
		}), nil
	case KindGemini:
		return NewGeminiProvider(ctx, GeminiOptions{
			APIKey: apiKey, BaseURL: cfg.BaseURL, Model: cfg.Model, ContextWindow: cfg.ContextWindow,
		})
	case KindOpenRouter:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		return NewHTTPCompatProvider(HTTPCompatOptions{
			Name: string(KindOpenRouter), APIKey: apiKey, BaseURL: baseURL,
			Model: cfg.Model, ContextWindow: cfg.ContextWindow, Routing: cfg.Routing,
		}), nil
	case KindKimiCode:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.moonshot.cn/v1"
		}
		return NewHTTPCompatProvider(HTTPCompatOptions{
			Name: string(KindKimiCode), APIKey: apiKey, BaseURL: baseURL,
			Model: cfg.Model, ContextWindow: cfg.ContextWindow,
		}), nil
	case KindOpenAICompatible:
		return NewHTTPCompatProvider(HTTPCompatOptions{
			Name: string(KindOpenAICompatible), APIKey: apiKey, BaseURL: cfg.BaseURL,
			Model: cfg.Model, ContextWindow: cfg.ContextWindow,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider)
	}
}

// NewStaticRegistry wraps an already-built alias → Provider map,
// bypassing config validation. Used by tests and embedded setups that
// construct providers themselves.
func NewStaticRegistry(providers map[string]Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for k, v := range providers {
		m[k] = v
	}
	return &Registry{providers: m}
}

// Resolve looks up a configured alias. Per spec §7's open question, an
// alias naming a provider absent from the registry is skipped by the
// caller (model.Chain/Run), not treated as a hard error here.
func (r *Registry) Resolve(alias string) (Provider, bool) {
	p, ok := r.providers[alias]
	return p, ok
}

func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.providers))
	for a := range r.providers {
		out = append(out, a)
	}
	return out
}
