package embedding

import (
	"context"
	"fmt"
)

// NewProvider builds an embedding provider from config, trying the
// configured fallback backend if the primary fails to initialize — same
// try-then-fallback shape as the teacher's factory.NewProvider.
func NewProvider(ctx context.Context, cfg Config) (*ProviderResult, error) {
	requested := cfg.Provider

	var createByID func(id string) (Provider, error)
	createByID = func(id string) (Provider, error) {
		switch id {
		case "openai", "http":
			if cfg.APIKey == "" {
				return nil, fmt.Errorf("no API key configured for provider %s", id)
			}
			return NewHTTPProvider(HTTPOptions{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
		case "gemini":
			if cfg.APIKey == "" {
				return nil, fmt.Errorf("no API key configured for provider gemini")
			}
			return NewGenAIProvider(ctx, GenAIOptions{APIKey: cfg.APIKey, Model: cfg.Model})
		case "auto":
			if p, err := createByID("openai"); err == nil {
				return p, nil
			}
			return createByID("gemini")
		default:
			return nil, fmt.Errorf("unsupported embedding provider: %s", id)
		}
	}

	provider, err := createByID(requested)
	if err != nil {
		if cfg.Fallback != "" && cfg.Fallback != "none" && cfg.Fallback != requested {
			fallback, fallbackErr := createByID(cfg.Fallback)
			if fallbackErr != nil {
				return nil, fmt.Errorf("no fallback embedding provider available (tried %s): %w", cfg.Fallback, fallbackErr)
			}
			return &ProviderResult{
				Provider:         fallback,
				RequestedBackend: requested,
				FallbackFrom:     requested,
				FallbackReason:   err.Error(),
			}, nil
		}
		return nil, err
	}

	return &ProviderResult{Provider: provider, RequestedBackend: requested}, nil
}
