// Package outbound defines the outbound message taxonomy a chat turn
// returns to a transport (spec §4.4 step 8 "Return outbound message
// list (text + attachments + optional rendered tables)"). The pack's
// teacher lists gosuri/uitable in go.mod without ever importing it; this
// package is where that dependency finally gets wired in, rendering
// Table messages as fixed-width text any transport (WebSocket, TUI,
// Discord) can display verbatim.
package outbound

import (
	"github.com/gosuri/uitable"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

// Kind discriminates an outbound message.
type Kind string

const (
	KindText        Kind = "text"
	KindAttachment  Kind = "attachment"
	KindTable       Kind = "table"
	KindError       Kind = "error"
	KindApproval    Kind = "approval"
	KindToolSummary Kind = "tool_summary"
)

// Attachment is a binary or URL-addressed file surfaced to the
// operator, mirroring entity.ContentBlock's image/file fields.
type Attachment struct {
	MediaType string `json:"media_type"`
	FileName  string `json:"file_name,omitempty"`
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Table is a header plus rows, rendered lazily via Render().
type Table struct {
	Header []string
	Rows   [][]string
}

// Render lays the table out with gosuri/uitable's fixed-width column
// wrapping, the same renderer the teacher's go.mod carries for CLI
// table output.
func (t Table) Render() string {
	tbl := uitable.New()
	tbl.MaxColWidth = 80
	tbl.Wrap = true

	header := make([]interface{}, len(t.Header))
	for i, h := range t.Header {
		header[i] = h
	}
	tbl.AddRow(header...)

	for _, row := range t.Rows {
		cells := make([]interface{}, len(row))
		for i, c := range row {
			cells[i] = c
		}
		tbl.AddRow(cells...)
	}
	return tbl.String()
}

// ToolCall is one entry of a tool-call summary batch: name, truncated
// input, status, and a compact output preview.
type ToolCall struct {
	Name    string `json:"name"`
	Input   string `json:"input,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Preview string `json:"preview,omitempty"`
}

// Message is one item in the outbound list a chat turn returns.
type Message struct {
	Kind       Kind        `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Table      *Table      `json:"table,omitempty"`

	// KindApproval
	Token string `json:"token,omitempty"`
	// KindApproval / KindToolSummary
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

func Text(s string) Message                { return Message{Kind: KindText, Text: s} }
func Err(s string) Message                 { return Message{Kind: KindError, Text: s} }
func FromAttachment(a Attachment) Message  { return Message{Kind: KindAttachment, Attachment: &a} }
func FromTable(t Table) Message            { return Message{Kind: KindTable, Table: &t} }

const inputPreviewChars = 200

// ApprovalPrompt asks the operator to approve the listed pending tool
// calls; token round-trips through the transport's pending-action store.
func ApprovalPrompt(token string, calls []entity.ContentBlock) Message {
	msg := Message{
		Kind:  KindApproval,
		Token: token,
		Text:  "The ghost wants to run tools. Reply approve, deny, or steps <N>.",
	}
	for _, c := range calls {
		if c.Type != entity.BlockToolUse {
			continue
		}
		input := c.ToolInput
		if r := []rune(input); len(r) > inputPreviewChars {
			input = string(r[:inputPreviewChars]) + "..."
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{Name: c.ToolName, Input: input})
	}
	return msg
}

// ToolSummary batches the calls a turn executed for transports that
// render progress.
func ToolSummary(calls []ToolCall) Message {
	return Message{Kind: KindToolSummary, ToolCalls: calls}
}

// FromAssistantMessage translates a persisted assistant entity.Message
// into the outbound list: text blocks become KindText messages, image/
// file blocks become KindAttachment messages. Tool-use/tool-result
// blocks never surface directly — the turn loop only exposes those as
// stream-sink summaries, not outbound messages.
func FromAssistantMessage(m *entity.Message) []Message {
	var out []Message
	for _, b := range m.Blocks {
		switch b.Type {
		case entity.BlockText:
			if b.Text != "" {
				out = append(out, Text(b.Text))
			}
		case entity.BlockImage, entity.BlockFile:
			out = append(out, FromAttachment(Attachment{
				MediaType: b.MediaType,
				FileName:  b.FileName,
				URL:       b.URL,
				Data:      b.Data,
			}))
		}
	}
	return out
}
