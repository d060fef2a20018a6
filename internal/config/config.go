// Package config loads and validates <config_dir>/config.toml plus
// environment-provided secrets (dotenv supported). Missing or invalid
// configuration is fatal at startup; nothing here degrades silently.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/provider"
	"github.com/ghostmesh/ghostmesh/internal/pkg/log"
)

// ModelBlock is one `[models.<alias>]` entry.
type ModelBlock struct {
	Provider      string   `mapstructure:"provider"`
	Model         string   `mapstructure:"model"`
	BaseURL       string   `mapstructure:"base_url"`
	APIKeyEnv     string   `mapstructure:"api_key_env"`
	Routing       []string `mapstructure:"routing"`
	ContextWindow int      `mapstructure:"context_window"`
}

// GatewayConfig configures the HTTP/WebSocket gateway.
type GatewayConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// DiscordConfig carries the transport's settings; the transport itself
// lives behind the interface contract.
type DiscordConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Channels []string `mapstructure:"channels"`
}

// LoggingConfig tunes the logrus wrapper.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// OpenRouterConfig holds openrouter-wide defaults.
type OpenRouterConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// WebToolConfig configures one web tool endpoint.
type WebToolConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIKeyEnv  string `mapstructure:"api_key_env"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// EmbeddingConfig configures the embedder the knowledge engine calls.
type EmbeddingConfig struct {
	Provider      string `mapstructure:"provider"`
	Model         string `mapstructure:"model"`
	BaseURL       string `mapstructure:"base_url"`
	APIKeyEnv     string `mapstructure:"api_key_env"`
	Dimensions    int    `mapstructure:"dimensions"`
	BatchSize     int    `mapstructure:"batch_size"`
	MinIntervalMS int    `mapstructure:"min_interval_ms"`
}

// KnowledgeToolConfig tunes hybrid retrieval.
type KnowledgeToolConfig struct {
	BM25Limit            int             `mapstructure:"bm25_limit"`
	DenseLimit           int             `mapstructure:"dense_limit"`
	RRFK                 int             `mapstructure:"rrf_k"`
	MaxResults           int             `mapstructure:"max_results"`
	GraphDepth           int             `mapstructure:"graph_depth"`
	GraphMax             int             `mapstructure:"graph_max"`
	DocBoost             float64         `mapstructure:"doc_boost"`
	ReconcileIntervalSec int             `mapstructure:"reconcile_interval_sec"`
	Embedding            EmbeddingConfig `mapstructure:"embedding"`
}

// CompactionConfig tunes the two-phase context compactor.
type CompactionConfig struct {
	Threshold        float64 `mapstructure:"threshold"`
	KeepWindow       int     `mapstructure:"keep_window"`
	MaskPreviewChars int     `mapstructure:"mask_preview_chars"`
}

// HeartbeatTimingConfig tunes the heartbeat runner.
type HeartbeatTimingConfig struct {
	IdleMinutes     int `mapstructure:"idle_minutes"`
	ContinueMinutes int `mapstructure:"continue_minutes"`
}

// ReflectionConfig tunes the reflection runner.
type ReflectionConfig struct {
	IdleMinutes int `mapstructure:"idle_minutes"`
}

// Config is the full parsed configuration.
type Config struct {
	DataRoot       string                `mapstructure:"data_root"`
	DefaultModel   []string              // alias chain, normalized from string-or-array
	HeartbeatModel []string              // optional alias chain
	Models         map[string]ModelBlock `mapstructure:"models"`
	Gateway        GatewayConfig         `mapstructure:"gateway"`
	Discord        DiscordConfig         `mapstructure:"discord"`
	Logging        LoggingConfig         `mapstructure:"logging"`
	OpenRouter     OpenRouterConfig      `mapstructure:"openrouter"`
	Tools          struct {
		Web struct {
			Search WebToolConfig `mapstructure:"search"`
			Fetch  WebToolConfig `mapstructure:"fetch"`
		} `mapstructure:"web"`
		Knowledge KnowledgeToolConfig `mapstructure:"knowledge"`
	} `mapstructure:"tools"`
	Compaction      CompactionConfig      `mapstructure:"compaction"`
	HeartbeatTiming HeartbeatTimingConfig `mapstructure:"heartbeat_timing"`
	Reflection      ReflectionConfig      `mapstructure:"reflection"`
}

// Load reads <configDir>/config.toml, applies dotenv secrets from the
// same directory when present, and validates the result.
func Load(configDir string) (*Config, error) {
	if env := filepath.Join(configDir, ".env"); fileExists(env) {
		if err := godotenv.Load(env); err != nil {
			return nil, fmt.Errorf("load %s: %w", env, err)
		}
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(configDir, "config.toml"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.DefaultModel = stringOrList(v.Get("default_model"))
	cfg.HeartbeatModel = stringOrList(v.Get("heartbeat_model"))
	if cfg.DataRoot == "" {
		cfg.DataRoot = filepath.Join(configDir, "data")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// stringOrList normalizes a TOML value that may be a string or an array
// of strings into an alias chain.
func stringOrList(raw any) []string {
	switch val := raw.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		return nil
	}
}

// Validate enforces spec-level config rules: a default model must be
// set, every alias it names must exist and validate (credentials,
// routing consistency). An alias in a chain that names an unknown
// provider kind is skipped with a warning rather than rejected.
func (c *Config) Validate() error {
	if len(c.DefaultModel) == 0 {
		return fmt.Errorf("config: default_model is required")
	}
	for _, chain := range [][]string{c.DefaultModel, c.HeartbeatModel} {
		for _, alias := range chain {
			block, ok := c.Models[alias]
			if !ok {
				return fmt.Errorf("config: model alias %q is not defined under [models]", alias)
			}
			pc := c.providerConfig(alias, block)
			if !knownProviderKind(pc.Provider) {
				log.Warn("[config] alias %q names unknown provider %q; it will be skipped at runtime", alias, block.Provider)
				continue
			}
			if err := pc.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
		}
	}
	return nil
}

// ProviderConfigs maps every defined [models.*] block into the provider
// registry's config shape, dropping aliases with unknown provider kinds.
func (c *Config) ProviderConfigs() []provider.Config {
	out := make([]provider.Config, 0, len(c.Models))
	for alias, block := range c.Models {
		pc := c.providerConfig(alias, block)
		if !knownProviderKind(pc.Provider) {
			log.Warn("[config] skipping alias %q: unknown provider %q", alias, block.Provider)
			continue
		}
		out = append(out, pc)
	}
	return out
}

func (c *Config) providerConfig(alias string, block ModelBlock) provider.Config {
	baseURL := block.BaseURL
	if baseURL == "" && provider.Kind(block.Provider) == provider.KindOpenRouter {
		baseURL = c.OpenRouter.BaseURL
	}
	return provider.Config{
		Alias:         alias,
		Provider:      provider.Kind(block.Provider),
		Model:         block.Model,
		BaseURL:       baseURL,
		APIKeyEnv:     block.APIKeyEnv,
		Routing:       block.Routing,
		ContextWindow: block.ContextWindow,
	}
}

func knownProviderKind(k provider.Kind) bool {
	switch k {
	case provider.KindAnthropic, provider.KindGemini, provider.KindOpenRouter,
		provider.KindOpenAICompatible, provider.KindKimiCode:
		return true
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
