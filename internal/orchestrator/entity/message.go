// Package entity holds the Session Orchestrator's domain model: tagged-
// union content blocks, messages, and sessions.
//
// Grounded on the teacher's agents/domain/entity package (Role,
// Session/Message shape, AppendMessage/ActiveMessages/ApplyCompaction),
// generalized from the teacher's flat single-string Message.Content to
// the spec's ordered list of typed content blocks (spec §5.1, "a message
// is a role plus an ordered list of content blocks") since a single
// turn can interleave text, tool use, tool results, images, and files.
package entity

import "time"

// Role is the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the ContentBlock tagged union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockFile       BlockType = "file"
)

// ContentBlock is a tagged union: exactly the fields for Type are
// meaningful, the rest are zero. Mirrors how the teacher keeps
// ToolCall/ToolResult as separate flat structs, collapsed here into one
// discriminated type since a block list can freely interleave kinds.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"` // raw JSON arguments

	// BlockToolResult
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolOutput      string `json:"tool_output,omitempty"`
	ToolIsError     bool   `json:"tool_is_error,omitempty"`
	// ToolMasked is set by the context compactor's observation-masking
	// phase when this result has been replaced with a placeholder.
	ToolMasked bool `json:"tool_masked,omitempty"`

	// BlockImage / BlockFile
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileName  string `json:"file_name,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name, input string) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

func ToolResultBlock(forID, output string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResultForID: forID, ToolOutput: output, ToolIsError: isError}
}

// TokenUsage tracks per-run or cumulative token counts.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is a role plus an ordered list of content blocks.
type Message struct {
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	Model     string         `json:"model,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func NewSystemMessage(text string) *Message {
	return &Message{Role: RoleSystem, Blocks: []ContentBlock{TextBlock(text)}, CreatedAt: time.Now()}
}

func NewUserMessage(text string) *Message {
	return &Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock(text)}, CreatedAt: time.Now()}
}

func NewAssistantMessage(blocks ...ContentBlock) *Message {
	return &Message{Role: RoleAssistant, Blocks: blocks, CreatedAt: time.Now()}
}

// Text concatenates every text block in the message, the cheap way a
// caller gets a plain-text rendering for logging or a token estimator.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns every tool_use block in the message.
func (m *Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}
