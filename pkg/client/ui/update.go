package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/client"
	"github.com/aeolun/supportline/pkg/protocol"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 4
		m.viewport.Width = m.conversationWidth()
		m.viewport.Height = m.conversationHeight()
		m.refreshViewport()
		return m, nil

	case chatEventMsg:
		m = m.handleChatEvent(msg.event)
		return m, listenForEvents(m.chat)

	case sentMsg:
		if msg.err != nil {
			m.errorMessage = "Send failed: " + msg.err.Error()
		}
		m.refreshViewport()
		return m, nil

	case reloadedMsg:
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
		} else {
			m.errorMessage = ""
		}
		m.refreshViewport()
		return m, nil

	case inboxMsg:
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		m.inbox = msg.names
		if current := m.chat.Counterpart(); current != "" {
			m.inbox = ensureListed(m.inbox, current)
			m.selected = indexOf(m.inbox, current)
		}
		return m, nil

	case presenceMsg:
		if msg.err != nil {
			m.logger.Debug("Presence lookup failed", zap.Error(msg.err))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit

	case tea.KeyEnter:
		content := m.input.Value()
		if strings.TrimSpace(content) == "" {
			return m, nil
		}
		m.input.Reset()
		m.errorMessage = ""
		cmd := m.send(content)
		// The pending echo is already in the conversation
		m.refreshViewport()
		return m, cmd

	case tea.KeyTab, tea.KeyShiftTab:
		if !m.inboxMode || len(m.inbox) == 0 {
			return m, nil
		}
		step := 1
		if msg.Type == tea.KeyShiftTab {
			step = -1
		}
		m.selected = (m.selected + step + len(m.inbox)) % len(m.inbox)
		return m, m.switchTo(m.inbox[m.selected])

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleChatEvent(ev client.Event) Model {
	switch ev.Kind {
	case client.EventMessage:
		from := ev.Message.Sender
		if m.inboxMode && from != m.chat.Self() && !contains(m.inbox, from) {
			m.inbox = append(m.inbox, from)
		}
		if from != m.chat.Self() {
			m.sendDesktopNotification(ev.Message)
		}

	case client.EventAck:
		if m.inboxMode {
			m.inbox = ensureListed(m.inbox, ev.Message.Recipient)
		}

	case client.EventSendFailed:
		m.errorMessage = fmt.Sprintf("Not delivered: %q (%v)", truncate(ev.Entry.Message.Content, 40), ev.Err)

	case client.EventPresence:
		// Rendered from chat.Presence()

	case client.EventConnection:
		switch ev.State.State {
		case client.StateTypeConnected:
			m.connectionState = StateConnected
			m.statusMessage = "Reconnected"
		case client.StateTypeDisconnected:
			m.connectionState = StateDisconnected
			m.statusMessage = "Disconnected, messages will be sent over HTTP"
		case client.StateTypeReconnecting:
			m.connectionState = StateReconnecting
			m.reconnectAttempt = ev.State.Attempt
			m.statusMessage = fmt.Sprintf("Reconnecting (attempt %d)", ev.State.Attempt)
		}

	case client.EventError:
		m.errorMessage = ev.Err.Error()
	}

	m.refreshViewport()
	return m
}

// sendDesktopNotification sends a desktop notification for a message
func (m Model) sendDesktopNotification(msg protocol.Message) {
	if m.notify == nil {
		return
	}
	body := fmt.Sprintf("%s: %s", msg.Sender, truncate(msg.Content, 100))

	// Best effort
	if err := m.notify("Supportline", body); err != nil {
		m.logger.Debug("failed to send desktop notification", zap.Error(err))
	}
}

func (m *Model) refreshViewport() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderConversation())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// truncate shortens s to n cells, ending in "..." when cut. It never
// splits a rune or an escape sequence.
func truncate(s string, n int) string {
	return ansi.Truncate(s, n, "...")
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func ensureListed(list []string, s string) []string {
	if s == "" || contains(list, s) {
		return list
	}
	return append(list, s)
}
