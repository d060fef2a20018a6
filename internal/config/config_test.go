package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

const baseConfig = `
default_model = ["fast", "fallback"]
heartbeat_model = "fast"

[models.fast]
provider = "anthropic"
model = "claude-sonnet-4-5"
context_window = 200000

[models.fallback]
provider = "openrouter"
model = "meta-llama/llama-3-70b"
routing = ["deepinfra", "together"]

[gateway]
addr = "127.0.0.1:11788"

[compaction]
threshold = 0.9
keep_window = 10

[heartbeat_timing]
idle_minutes = 6
continue_minutes = 45

[tools.knowledge]
bm25_limit = 25
[tools.knowledge.embedding]
provider = "openai"
model = "text-embedding-3-small"
dimensions = 1536
`

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("OPENROUTER_API_KEY", "test-key")

	dir := writeConfig(t, baseConfig)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.DefaultModel) != 2 || cfg.DefaultModel[0] != "fast" {
		t.Fatalf("default model chain = %v", cfg.DefaultModel)
	}
	if len(cfg.HeartbeatModel) != 1 || cfg.HeartbeatModel[0] != "fast" {
		t.Fatalf("heartbeat chain = %v", cfg.HeartbeatModel)
	}
	if cfg.Models["fast"].ContextWindow != 200000 {
		t.Fatalf("fast model = %+v", cfg.Models["fast"])
	}
	if cfg.Compaction.Threshold != 0.9 || cfg.Compaction.KeepWindow != 10 {
		t.Fatalf("compaction = %+v", cfg.Compaction)
	}
	if cfg.HeartbeatTiming.IdleMinutes != 6 {
		t.Fatalf("heartbeat timing = %+v", cfg.HeartbeatTiming)
	}
	if cfg.Tools.Knowledge.BM25Limit != 25 || cfg.Tools.Knowledge.Embedding.Dimensions != 1536 {
		t.Fatalf("knowledge tools = %+v", cfg.Tools.Knowledge)
	}
	if len(cfg.ProviderConfigs()) != 2 {
		t.Fatalf("provider configs = %v", cfg.ProviderConfigs())
	}
}

func TestLoadRejectsMissingDefaultModel(t *testing.T) {
	dir := writeConfig(t, `
[models.fast]
provider = "anthropic"
model = "claude-sonnet-4-5"
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("missing default_model accepted")
	}
}

func TestLoadRejectsUndefinedAlias(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	dir := writeConfig(t, `
default_model = "missing"
[models.fast]
provider = "anthropic"
model = "claude-sonnet-4-5"
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("undefined alias accepted")
	}
}

func TestLoadRejectsMissingCredential(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	dir := writeConfig(t, `
default_model = "fast"
[models.fast]
provider = "anthropic"
model = "claude-sonnet-4-5"
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("missing credential accepted")
	}
}

func TestLoadRejectsRoutingOnNonOpenRouter(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	dir := writeConfig(t, `
default_model = "fast"
[models.fast]
provider = "anthropic"
model = "claude-sonnet-4-5"
routing = ["deepinfra"]
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("routing on anthropic accepted")
	}
}

func TestLoadSkipsUnknownProviderKindWithWarning(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	dir := writeConfig(t, `
default_model = "fast"
[models.fast]
provider = "anthropic"
model = "claude-sonnet-4-5"
[models.weird]
provider = "abacus"
model = "abacus-1"
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unknown provider kind in a non-default alias should not be fatal: %v", err)
	}
	for _, pc := range cfg.ProviderConfigs() {
		if pc.Alias == "weird" {
			t.Fatal("unknown provider kind not skipped")
		}
	}
}

func TestStringOrList(t *testing.T) {
	if got := stringOrList("solo"); len(got) != 1 || got[0] != "solo" {
		t.Fatalf("string form = %v", got)
	}
	if got := stringOrList([]any{"a", "b"}); len(got) != 2 {
		t.Fatalf("list form = %v", got)
	}
	if got := stringOrList(nil); got != nil {
		t.Fatalf("nil form = %v", got)
	}
	if got := stringOrList(""); got != nil {
		t.Fatalf("empty string form = %v", got)
	}
}
