package entity

import (
	"fmt"
	"time"
)

// Session is a persistent conversation between an operator and a ghost.
// Grounded directly on the teacher's agents/domain/entity/session.go
// (AppendMessage, ActiveMessages/FirstKeptIndex compaction bookkeeping,
// CompactionSummary/CompactionCount), generalized to the spec's
// operator/ghost pairing and the masked-observation compaction phase
// (spec §5.3) layered on top of the teacher's single summarization
// phase.
type Session struct {
	ID       string `json:"id"`
	GhostID  string `json:"ghost_id"`
	Operator string `json:"operator"`

	Messages []*Message `json:"messages"`
	Usage    *TokenUsage `json:"usage,omitempty"`

	// CompactionSummary holds the LLM-generated summary replacing every
	// message before FirstKeptIndex.
	CompactionSummary string `json:"compaction_summary,omitempty"`
	CompactionCount   int    `json:"compaction_count,omitempty"`
	FirstKeptIndex    int    `json:"first_kept_index,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewSession(id, ghostID, operator string) *Session {
	now := time.Now()
	return &Session{ID: id, GhostID: ghostID, Operator: operator, CreatedAt: now, UpdatedAt: now}
}

func (s *Session) AppendMessage(msg *Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

func (s *Session) AppendMessages(msgs []*Message) {
	s.Messages = append(s.Messages, msgs...)
	s.UpdatedAt = time.Now()
}

func (s *Session) AddUsage(u *TokenUsage) {
	if u == nil {
		return
	}
	if s.Usage == nil {
		s.Usage = &TokenUsage{}
	}
	s.Usage.PromptTokens += u.PromptTokens
	s.Usage.CompletionTokens += u.CompletionTokens
	s.Usage.TotalTokens += u.TotalTokens
}

// ActiveMessages returns messages not yet folded into CompactionSummary.
func (s *Session) ActiveMessages() []*Message {
	if s.FirstKeptIndex >= len(s.Messages) {
		return nil
	}
	return s.Messages[s.FirstKeptIndex:]
}

func (s *Session) ApplyCompaction(summary string, keptFrom int) {
	s.CompactionSummary = summary
	s.FirstKeptIndex = keptFrom
	s.CompactionCount++
	s.UpdatedAt = time.Now()
}

func (s *Session) HasCompaction() bool {
	return s.CompactionSummary != ""
}

// PendingToolUses returns the tool_use blocks of the last assistant
// message that have no matching tool_result anywhere after it — the
// calls a turn paused on when the approval gate went to AwaitAck.
func (s *Session) PendingToolUses() []ContentBlock {
	lastAssistant := -1
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 {
		return nil
	}
	resolved := make(map[string]bool)
	for _, msg := range s.Messages[lastAssistant+1:] {
		for _, b := range msg.Blocks {
			if b.Type == BlockToolResult {
				resolved[b.ToolResultForID] = true
			}
		}
	}
	var out []ContentBlock
	for _, b := range s.Messages[lastAssistant].ToolUses() {
		if !resolved[b.ToolUseID] {
			out = append(out, b)
		}
	}
	return out
}

// EffectiveHistory returns the message list a provider call should see:
// the synthetic compaction-summary message (if any compaction has run)
// followed by every message not yet folded into it.
func (s *Session) EffectiveHistory() []*Message {
	active := s.ActiveMessages()
	if !s.HasCompaction() {
		return active
	}
	synthetic := NewUserMessage(fmt.Sprintf("[Conversation summary — earlier messages compacted]\n\n%s", s.CompactionSummary))
	out := make([]*Message, 0, len(active)+1)
	out = append(out, synthetic)
	out = append(out, active...)
	return out
}
