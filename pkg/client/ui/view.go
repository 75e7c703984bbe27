package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/supportline/pkg/client"
)

const inboxWidth = 22

// View renders the current state
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := m.renderHeader()
	conversation := ConversationPaneStyle.
		Width(m.conversationWidth()).
		Height(m.conversationHeight()).
		Render(m.viewport.View())

	body := conversation
	if m.inboxMode {
		body = lipgloss.JoinHorizontal(lipgloss.Top, m.renderInbox(), conversation)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		body,
		m.input.View(),
		m.renderStatus(),
	)
}

func (m Model) renderHeader() string {
	title := "Supportline: " + m.chat.Self()
	if counterpart := m.chat.Counterpart(); counterpart != "" {
		title += " ↔ " + counterpart
	} else if m.inboxMode {
		title += " (select a conversation with tab)"
	}

	var state string
	switch m.connectionState {
	case StateConnected:
		state = OnlineStyle.Render("● connected")
	case StateReconnecting:
		state = StatusStyle.Render(fmt.Sprintf("◌ reconnecting (%d)", m.reconnectAttempt))
	default:
		state = OfflineStyle.Render("○ offline")
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, HeaderStyle.Render(title), " ", state)
}

func (m Model) renderInbox() string {
	online := make(map[string]bool)
	for _, p := range m.chat.Presence() {
		online[p.Username] = p.Active
	}

	var b strings.Builder
	if len(m.inbox) == 0 {
		b.WriteString(StatusStyle.Render("No conversations"))
	}
	for i, name := range m.inbox {
		marker := OfflineStyle.Render("○")
		if online[name] {
			marker = OnlineStyle.Render("●")
		}
		line := fmt.Sprintf("%s %s", marker, name)
		if i == m.selected && name == m.chat.Counterpart() {
			line = SelectedStyle.Render(line)
		}
		b.WriteString(line)
		if i < len(m.inbox)-1 {
			b.WriteString("\n")
		}
	}

	return InboxPaneStyle.
		Width(inboxWidth).
		Height(m.conversationHeight()).
		Render(b.String())
}

func (m Model) renderStatus() string {
	if m.errorMessage != "" {
		return ErrorStyle.Render(m.errorMessage)
	}
	hint := "enter: send  esc: quit"
	if m.inboxMode {
		hint = "enter: send  tab: next conversation  esc: quit"
	}
	if m.statusMessage != "" {
		return StatusStyle.Render(m.statusMessage + "  |  " + hint)
	}
	return StatusStyle.Render(hint)
}

// renderConversation renders the active conversation for the viewport
func (m Model) renderConversation() string {
	return renderMessages(m.chat.Self(), m.chat.Messages(), m.conversationWidth())
}

func renderMessages(self string, entries []client.Entry, width int) string {
	if len(entries) == 0 {
		return StatusStyle.Render("No messages yet")
	}

	var b strings.Builder
	for i, e := range entries {
		author := MessageAuthorStyle.Render(e.Message.Sender)
		if e.Message.Sender == self {
			author = MessageOwnAuthorStyle.Render(e.Message.Sender)
		}

		var stamp string
		if e.Pending {
			stamp = MessagePendingStyle.Render("sending…")
		} else {
			stamp = TimestampStyle.Render(time.UnixMilli(e.Message.CreatedAt).Format("15:04"))
		}

		content := e.Message.Content
		if e.Pending {
			content = MessagePendingStyle.Render(content)
		}
		if width > 4 {
			content = lipgloss.NewStyle().Width(width - 2).Render(content)
		}

		fmt.Fprintf(&b, "%s %s\n%s", stamp, author, content)
		if i < len(entries)-1 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func (m Model) conversationWidth() int {
	w := m.width - 2
	if m.inboxMode {
		w -= inboxWidth + 4
	}
	if w < 10 {
		w = 10
	}
	return w
}

func (m Model) conversationHeight() int {
	// header, input, status, borders
	h := m.height - 5
	if h < 3 {
		h = 3
	}
	return h
}
