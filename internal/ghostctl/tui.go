package ghostctl

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/outbound"
)

var (
	operatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	ghostStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// runChatTUI starts the interactive bubbletea chat loop.
func runChatTUI(client *Client, ghost string) error {
	m := newChatModel(client, ghost)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type replyMsg struct {
	messages []outbound.Message
	err      error
}

type chatModel struct {
	client *Client
	ghost  string

	viewport viewport.Model
	input    textarea.Model
	history  []string
	waiting  bool
	ready    bool
}

func newChatModel(client *Client, ghost string) *chatModel {
	ta := textarea.New()
	ta.Placeholder = "message " + ghost + " (enter to send, ctrl+c to quit)"
	ta.Prompt = "> "
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	return &chatModel{client: client, ghost: ghost, input: ta}
}

func (m *chatModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		const inputHeight = 5
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - inputHeight
		}
		m.input.SetWidth(msg.Width - 2)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.waiting {
				return m, nil
			}
			m.input.Reset()
			m.waiting = true
			m.history = append(m.history, operatorStyle.Render("you")+"\n"+text)
			m.refresh()
			return m, m.send(text)
		}

	case replyMsg:
		m.waiting = false
		if msg.err != nil {
			m.history = append(m.history, errorStyle.Render("error: "+msg.err.Error()))
		}
		for _, out := range msg.messages {
			m.history = append(m.history, renderOutbound(m.ghost, out, m.viewport.Width))
		}
		m.refresh()
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *chatModel) send(text string) tea.Cmd {
	return func() tea.Msg {
		msgs, err := m.client.Chat(m.ghost, text)
		return replyMsg{messages: msgs, err: err}
	}
}

func (m *chatModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.history, "\n\n"))
	m.viewport.GotoBottom()
}

func (m *chatModel) View() string {
	if !m.ready {
		return "loading..."
	}
	status := ""
	if m.waiting {
		status = statusStyle.Render(" thinking...")
	}
	return m.viewport.View() + "\n" + m.input.View() + status
}

func renderOutbound(ghost string, m outbound.Message, width int) string {
	label := ghostStyle.Render(ghost)
	switch m.Kind {
	case outbound.KindError:
		return errorStyle.Render("error: " + m.Text)
	case outbound.KindTable:
		if m.Table != nil {
			return label + "\n" + m.Table.Render()
		}
	case outbound.KindApproval:
		var sb strings.Builder
		sb.WriteString(statusStyle.Render("approval required — reply approve, deny, or steps <N>"))
		for _, tc := range m.ToolCalls {
			sb.WriteString(fmt.Sprintf("\n  %s %s", tc.Name, tc.Input))
		}
		return sb.String()
	case outbound.KindAttachment:
		if m.Attachment != nil {
			return label + "\n" + statusStyle.Render("[attachment: "+m.Attachment.FileName+"]")
		}
	}
	return label + "\n" + renderMarkdown(m.Text, width)
}

// renderMarkdown renders the ghost's reply through glamour, falling
// back to the raw text if the renderer fails.
func renderMarkdown(content string, width int) string {
	if width <= 0 {
		width = 76
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n")
}
