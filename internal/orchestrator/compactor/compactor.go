package compactor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/provider"
)

// Config tunes the compactor's thresholds, grounded on the teacher's
// CompactorConfig/DefaultCompactorConfig shape but renamed to the
// spec's own default values (spec §4.5: threshold 0.85, keep_window 20,
// mask_preview_chars 100).
type Config struct {
	Threshold        float64
	KeepWindow       int
	MaskPreviewChars int
}

func DefaultConfig() Config {
	return Config{Threshold: 0.85, KeepWindow: 20, MaskPreviewChars: 100}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.85
	}
	if c.KeepWindow <= 0 {
		c.KeepWindow = 20
	}
	if c.MaskPreviewChars <= 0 {
		c.MaskPreviewChars = 100
	}
	return c
}

// Result carries the compacted history plus which phases ran.
type Result struct {
	History      []*entity.Message
	Phase1Ran    bool
	Phase2Ran    bool
	SummaryAdded bool
}

// ShouldCompact reports whether total estimated tokens cross the
// threshold fraction of the context window (spec §4.5 "Token budget
// estimation").
func ShouldCompact(est Estimator, system string, toolCatalog string, history []*entity.Message, contextWindow int, cfg Config) bool {
	if contextWindow <= 0 {
		return false
	}
	cfg = cfg.withDefaults()
	total := est.EstimateText(system) + est.EstimateText(toolCatalog) + HistoryTokens(est, history)
	return float64(total)/float64(contextWindow) >= cfg.Threshold
}

// Compact runs Phase 1 (observation masking) and, if still over
// threshold, Phase 2 (LLM summarization). It never touches the new
// user message being processed this turn — callers must exclude it
// from history and append it after Compact returns (spec §4.5
// invariants).
func Compact(ctx context.Context, p provider.Provider, est Estimator, system, toolCatalog string, history []*entity.Message, contextWindow int, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()

	toolNames := indexToolNames(history)
	masked, changed := maskObservations(history, cfg.KeepWindow, cfg.MaskPreviewChars, toolNames)
	result := &Result{History: masked, Phase1Ran: changed}

	total := est.EstimateText(system) + est.EstimateText(toolCatalog) + HistoryTokens(est, masked)
	if float64(total)/float64(contextWindow) < cfg.Threshold {
		return result, nil
	}

	splitAt := len(masked) - cfg.KeepWindow
	if splitAt <= 0 {
		return result, nil
	}

	older := masked[:splitAt]
	kept := masked[splitAt:]

	summary, err := summarize(ctx, p, older, toolNames)
	if err != nil || strings.TrimSpace(summary) == "" {
		// Phase 2's provider call failed or returned empty: fall back to
		// the Phase-1-only result (spec §4.5).
		return result, nil
	}

	synthetic := entity.NewUserMessage(SummaryMarkerPrefix + summary)
	result.History = append([]*entity.Message{synthetic}, kept...)
	result.Phase2Ran = true
	result.SummaryAdded = true
	return result, nil
}

// maskObservations replaces ToolResult blocks outside the keep window
// with a compact placeholder (spec §4.5 Phase 1). Non-ToolResult blocks
// and everything within the keep window are left intact.
func maskObservations(history []*entity.Message, keepWindow, previewChars int, toolNames map[string]string) ([]*entity.Message, bool) {
	out := make([]*entity.Message, len(history))
	copy(out, history)

	splitAt := len(history) - keepWindow
	if splitAt <= 0 {
		return out, false
	}

	changed := false
	for i := 0; i < splitAt; i++ {
		m := out[i]
		if m == nil {
			continue
		}
		newBlocks := make([]entity.ContentBlock, len(m.Blocks))
		rowChanged := false
		for j, b := range m.Blocks {
			if b.Type != entity.BlockToolResult || b.ToolMasked {
				newBlocks[j] = b
				continue
			}
			name := toolNames[b.ToolResultForID]
			if name == "" {
				name = "unknown"
			}
			preview := truncateRunes(b.ToolOutput, previewChars)
			suffix := ""
			if len([]rune(b.ToolOutput)) > previewChars {
				suffix = "..."
			}
			errTag := ""
			if b.ToolIsError {
				errTag = " (error)"
			}
			masked := b
			masked.ToolOutput = fmt.Sprintf("[tool_result: %s%s — %s%s (truncated)]", name, errTag, preview, suffix)
			masked.ToolMasked = true
			newBlocks[j] = masked
			rowChanged = true
		}
		if rowChanged {
			clone := *m
			clone.Blocks = newBlocks
			out[i] = &clone
			changed = true
		}
	}
	return out, changed
}

// indexToolNames walks history and maps each ToolUse block's id to its
// tool name, for best-effort Phase 1 labeling of ToolResult blocks.
func indexToolNames(history []*entity.Message) map[string]string {
	out := make(map[string]string)
	for _, m := range history {
		if m == nil {
			continue
		}
		for _, b := range m.Blocks {
			if b.Type == entity.BlockToolUse {
				out[b.ToolUseID] = b.ToolName
			}
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

const summarizationSystemPrompt = "You are a precise conversation summarizer. Preserve decisions, user preferences, and salient tool results. Ceiling the summary at a few hundred words. Output only the summary, no preamble."

// SummaryMarkerPrefix prefixes every synthetic compaction-summary
// message. entity.Session.EffectiveHistory writes the same literal
// text, so a session that re-wraps a stored summary produces
// byte-identical text.
const SummaryMarkerPrefix = "[Conversation summary — earlier messages compacted]\n\n"

// summarize renders the older portion as plain text (spec §4.5 Phase 2
// format) and asks the provider for a summary in a dedicated,
// non-user-visible turn.
func summarize(ctx context.Context, p provider.Provider, older []*entity.Message, toolNames map[string]string) (string, error) {
	rendered := renderPlainText(older, toolNames)
	turn := []*entity.Message{entity.NewUserMessage(rendered)}
	resp, _, err := p.SendConversation(ctx, summarizationSystemPrompt, turn, nil)
	if err != nil {
		return "", fmt.Errorf("compactor: summarization call: %w", err)
	}
	return resp.Text(), nil
}

func renderPlainText(history []*entity.Message, toolNames map[string]string) string {
	var sb strings.Builder
	for _, m := range history {
		if m == nil {
			continue
		}
		for _, b := range m.Blocks {
			switch b.Type {
			case entity.BlockText:
				label := "Operator"
				if m.Role == entity.RoleAssistant {
					label = "Ghost"
				}
				fmt.Fprintf(&sb, "[%s] %s\n", label, b.Text)
			case entity.BlockToolUse:
				fmt.Fprintf(&sb, "[Ghost → tool:%s] %s\n", b.ToolName, b.ToolInput)
			case entity.BlockToolResult:
				preview := truncateRunes(b.ToolOutput, 500)
				suffix := ""
				if len([]rune(b.ToolOutput)) > 500 {
					suffix = "(truncated)"
				}
				errTag := ""
				if b.ToolIsError {
					errTag = " (error)"
				}
				name := toolNames[b.ToolResultForID]
				if name == "" {
					name = "unknown"
				}
				fmt.Fprintf(&sb, "[tool_result: %s%s %s%s]\n", name, errTag, preview, suffix)
			}
		}
	}
	return sb.String()
}
