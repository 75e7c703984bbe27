package ui

import (
	"context"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/client"
)

// ConnectionState represents the connection status
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateReconnecting
)

// Notifier shows a desktop notification.
type Notifier func(title, body string) error

// BeeepNotifier notifies through the desktop notification service.
func BeeepNotifier(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Model represents the application state
type Model struct {
	ctx    context.Context
	chat   *client.Chat
	logger *zap.Logger
	notify Notifier

	// Admins browse every conversation; users talk to one admin
	inboxMode bool
	inbox     []string
	selected  int

	connectionState  ConnectionState
	reconnectAttempt int
	statusMessage    string
	errorMessage     string

	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int
}

// NewModel creates the model. inboxMode shows the conversation selector.
// notify may be nil to disable notifications.
func NewModel(ctx context.Context, chat *client.Chat, inboxMode bool, notify Notifier, logger *zap.Logger) Model {
	if logger == nil {
		logger = zap.NewNop()
	}

	ti := textinput.New()
	ti.Placeholder = "Type a message and press enter"
	ti.CharLimit = 4096
	ti.Focus()

	return Model{
		ctx:             ctx,
		chat:            chat,
		logger:          logger,
		notify:          notify,
		inboxMode:       inboxMode,
		connectionState: StateConnected,
		input:           ti,
		viewport:        viewport.New(0, 0),
	}
}

// Messages sent into the bubbletea loop

type chatEventMsg struct{ event client.Event }

type sentMsg struct {
	entry client.Entry
	err   error
}

type reloadedMsg struct{ err error }

type inboxMsg struct {
	names []string
	err   error
}

type presenceMsg struct{ err error }

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		listenForEvents(m.chat),
		textinput.Blink,
	}
	if m.inboxMode {
		cmds = append(cmds, m.loadInbox(), m.loadPresence())
	}
	return tea.Batch(cmds...)
}

// listenForEvents waits for the next chat event. It is re-issued after
// every event so exactly one listener is outstanding.
func listenForEvents(chat *client.Chat) tea.Cmd {
	return func() tea.Msg {
		return chatEventMsg{event: <-chat.Events()}
	}
}

func (m Model) loadInbox() tea.Cmd {
	return func() tea.Msg {
		names, err := m.chat.Inbox(m.ctx)
		return inboxMsg{names: names, err: err}
	}
}

// loadPresence seeds the online markers before the first user_list frame.
func (m Model) loadPresence() tea.Cmd {
	return func() tea.Msg {
		_, err := m.chat.RefreshPresence(m.ctx)
		return presenceMsg{err: err}
	}
}

func (m Model) send(content string) tea.Cmd {
	return func() tea.Msg {
		entry, err := m.chat.Send(m.ctx, content)
		return sentMsg{entry: entry, err: err}
	}
}

func (m Model) switchTo(counterpart string) tea.Cmd {
	return func() tea.Msg {
		return reloadedMsg{err: m.chat.Switch(m.ctx, counterpart)}
	}
}
