package compactor

import (
	"context"
	"strings"
	"testing"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
	"github.com/ghostmesh/ghostmesh/internal/orchestrator/provider"
)

type stubProvider struct {
	reply string
	err   error
}

func (s *stubProvider) Name() string       { return "stub" }
func (s *stubProvider) Model() string      { return "stub-model" }
func (s *stubProvider) ContextWindow() int { return 100000 }
func (s *stubProvider) Clone() provider.Provider { return s }
func (s *stubProvider) SendConversation(ctx context.Context, system string, history []*entity.Message, tools []provider.ToolSpec) (*entity.Message, *entity.TokenUsage, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return entity.NewAssistantMessage(entity.TextBlock(s.reply)), &entity.TokenUsage{}, nil
}

func buildHistory(n int) []*entity.Message {
	history := make([]*entity.Message, 0, n)
	for i := 0; i < n; i++ {
		history = append(history, entity.NewUserMessage(strings.Repeat("x", 50)))
		asst := entity.NewAssistantMessage(
			entity.ToolUseBlock("id-"+string(rune('a'+i%26)), "search", `{"q":"x"}`),
		)
		history = append(history, asst)
		history = append(history, &entity.Message{
			Role:   entity.RoleUser,
			Blocks: []entity.ContentBlock{entity.ToolResultBlock("id-"+string(rune('a'+i%26)), strings.Repeat("result-data ", 50), false)},
		})
	}
	return history
}

func TestMaskObservationsLeavesKeepWindowIntact(t *testing.T) {
	history := buildHistory(30)
	toolNames := indexToolNames(history)
	masked, changed := maskObservations(history, 20, 100, toolNames)

	if !changed {
		t.Fatal("expected masking to change something with 90 messages and a 20 keep window")
	}
	if len(masked) != len(history) {
		t.Fatalf("masked history length = %d, want %d", len(masked), len(history))
	}

	splitAt := len(history) - 20
	for i := splitAt; i < len(history); i++ {
		for j, b := range masked[i].Blocks {
			if b.Type == entity.BlockToolResult && b.ToolMasked {
				t.Errorf("message %d block %d inside keep window was masked", i, j)
			}
			_ = history[i].Blocks[j]
		}
	}

	foundMasked := false
	for i := 0; i < splitAt; i++ {
		for _, b := range masked[i].Blocks {
			if b.Type == entity.BlockToolResult && b.ToolMasked {
				foundMasked = true
				if !strings.Contains(b.ToolOutput, "tool_result: search") {
					t.Errorf("masked placeholder missing resolved tool name: %q", b.ToolOutput)
				}
			}
		}
	}
	if !foundMasked {
		t.Error("expected at least one masked tool_result before the keep window")
	}
}

func TestShouldCompactCrossesThreshold(t *testing.T) {
	est := NewEstimator("anthropic")
	history := buildHistory(500)
	if !ShouldCompact(est, "system prompt", "tool catalog", history, 8000, DefaultConfig()) {
		t.Error("expected large history to cross the compaction threshold against a small context window")
	}
	if ShouldCompact(est, "hi", "", history[:2], 200000, DefaultConfig()) {
		t.Error("expected tiny history to stay under threshold against a huge context window")
	}
}

func TestCompactFallsBackToPhase1OnSummarizationFailure(t *testing.T) {
	history := buildHistory(50)
	p := &stubProvider{err: context.DeadlineExceeded}
	est := NewEstimator("anthropic")

	result, err := Compact(context.Background(), p, est, "system", "", history, 1000, DefaultConfig())
	if err != nil {
		t.Fatalf("Compact returned error: %v", err)
	}
	if result.Phase2Ran {
		t.Error("expected Phase 2 to be skipped when the provider call fails")
	}
	if !result.Phase1Ran {
		t.Error("expected Phase 1 to have masked something")
	}
}

func TestCompactAppliesPhase2Summary(t *testing.T) {
	history := buildHistory(50)
	p := &stubProvider{reply: "the operator asked about search results."}
	est := NewEstimator("anthropic")

	result, err := Compact(context.Background(), p, est, "system", "", history, 1000, DefaultConfig())
	if err != nil {
		t.Fatalf("Compact returned error: %v", err)
	}
	if !result.Phase2Ran || !result.SummaryAdded {
		t.Fatal("expected Phase 2 to run and add a summary")
	}
	if result.History[0].Role != entity.RoleUser {
		t.Errorf("synthetic summary message role = %s, want user", result.History[0].Role)
	}
	if !strings.Contains(result.History[0].Text(), "Conversation summary") {
		t.Error("synthetic summary message missing expected marker text")
	}
}
