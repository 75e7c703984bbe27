package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/protocol"
)

// EventKind classifies what a Chat event reports.
type EventKind int

const (
	// EventMessage is a newly received message. InConversation tells
	// whether it was merged into the active view.
	EventMessage EventKind = iota
	// EventAck means a pending send was persisted.
	EventAck
	// EventSendFailed means a pending send was rejected and removed.
	EventSendFailed
	// EventPresence carries a new presence snapshot.
	EventPresence
	// EventConnection reports a live connection state change.
	EventConnection
	// EventError is a server or transport error not tied to a send.
	EventError
)

// Event is emitted by Chat for the UI.
type Event struct {
	Kind           EventKind
	Message        protocol.Message
	Entry          Entry
	InConversation bool
	Users          []protocol.PresenceEntry
	State          ConnectionStateUpdate
	Err            error
}

// ErrNoCounterpart is returned when sending without a selected conversation.
var ErrNoCounterpart = errors.New("no conversation selected")

// ErrConnectionLost fails a live send whose connection dropped before the
// server acknowledged it and whose message is not in the history.
var ErrConnectionLost = errors.New("connection lost before the message was confirmed")

// ServerError is an ERROR frame from the server.
type ServerError struct {
	Code    uint16
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Chat drives one user's session: it owns the Conversation and feeds it
// from the REST history and the live connection. Sends go over the live
// connection when it is up and over REST otherwise; either way the server
// persists before anything is pushed.
type Chat struct {
	mu           sync.Mutex
	conv         *Conversation
	presence     []protocol.PresenceEntry
	historyLimit int
	// Correlation ids sent live and not yet answered
	inflight map[string]struct{}

	conn   LiveConnection
	api    HistoryClient
	events chan Event
	logger *zap.Logger
}

// NewChat creates a chat for self. counterpart may be empty for admins
// browsing all conversations.
func NewChat(self, counterpart string, conn LiveConnection, api HistoryClient) *Chat {
	return &Chat{
		conv:     NewConversation(self, counterpart),
		inflight: make(map[string]struct{}),
		conn:     conn,
		api:      api,
		events:   make(chan Event, 64),
		logger:   zap.NewNop(),
	}
}

// SetLogger sets a logger for debugging chat events
func (c *Chat) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.logger = logger
}

// SetHistoryLimit caps how many messages a history load fetches.
func (c *Chat) SetHistoryLimit(n int) {
	c.mu.Lock()
	c.historyLimit = n
	c.mu.Unlock()
}

// Events returns the channel the UI consumes. It is never closed.
func (c *Chat) Events() <-chan Event {
	return c.events
}

// Start connects, registers and loads history. A failed connection is not
// fatal: sends fall back to REST and the connection keeps retrying.
func (c *Chat) Start(ctx context.Context) error {
	if err := c.conn.Connect(); err != nil {
		c.logger.Warn("live connection unavailable", zap.Error(err))
	} else if err := c.conn.Register(c.Self()); err != nil {
		c.logger.Warn("register failed", zap.Error(err))
	}
	return c.Reload(ctx)
}

// Run applies live traffic to the conversation until ctx is done or the
// connection is closed.
func (c *Chat) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.conn.Incoming():
			if !ok {
				return
			}
			if ev, ok := c.HandleFrame(frame); ok {
				c.emit(ev)
			}
		case err, ok := <-c.conn.Errors():
			if !ok {
				return
			}
			c.emit(Event{Kind: EventError, Err: err})
		case state, ok := <-c.conn.StateChanges():
			if !ok {
				return
			}
			switch state.State {
			case StateTypeConnected:
				// New connection: the server forgot us, and pushes may have
				// been missed while we were away.
				if err := c.conn.Register(c.Self()); err != nil {
					c.logger.Warn("re-register failed", zap.Error(err))
				}
				c.settle(ctx)
			case StateTypeDisconnected:
				c.settle(ctx)
			}
			c.emit(Event{Kind: EventConnection, State: state})
		}
	}
}

// settle reloads history and fails every live send it did not confirm.
// Acknowledgements belong to a connection, so none can arrive for sends
// made before the current one.
func (c *Chat) settle(ctx context.Context) {
	if err := c.Reload(ctx); err != nil {
		c.emit(Event{Kind: EventError, Err: err})
	}

	c.mu.Lock()
	var failed []Entry
	for corr := range c.inflight {
		if entry, ok := c.conv.Fail(corr); ok {
			failed = append(failed, entry)
		}
	}
	c.inflight = make(map[string]struct{})
	c.mu.Unlock()

	sort.Slice(failed, func(i, j int) bool {
		return failed[i].Message.CreatedAt < failed[j].Message.CreatedAt
	})
	for _, entry := range failed {
		c.logger.Debug("unconfirmed send", zap.String("correlation_id", entry.CorrelationID))
		c.emit(Event{Kind: EventSendFailed, Entry: entry, Err: ErrConnectionLost})
	}
}

func (c *Chat) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event channel full, dropping event", zap.Int("kind", int(ev.Kind)))
	}
}

// HandleFrame applies one server frame and returns the event to report.
func (c *Chat) HandleFrame(frame *protocol.Frame) (Event, bool) {
	switch frame.Type {
	case protocol.TypeReceiveMessage:
		var msg protocol.ReceiveMessageMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return Event{Kind: EventError, Err: fmt.Errorf("decode receive_message: %w", err)}, true
		}
		c.mu.Lock()
		belongs := c.conv.Belongs(msg.Message)
		merged := c.conv.Receive(msg.Message)
		c.mu.Unlock()
		if belongs && !merged {
			// Duplicate
			return Event{}, false
		}
		return Event{Kind: EventMessage, Message: msg.Message, InConversation: merged}, true

	case protocol.TypeMessageSent:
		var msg protocol.MessageSentMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return Event{Kind: EventError, Err: fmt.Errorf("decode message_sent: %w", err)}, true
		}
		c.mu.Lock()
		delete(c.inflight, msg.CorrelationID)
		c.conv.Ack(msg.CorrelationID, msg.Message)
		c.mu.Unlock()
		return Event{Kind: EventAck, Message: msg.Message, Entry: Entry{Message: msg.Message, CorrelationID: msg.CorrelationID}}, true

	case protocol.TypeUserList:
		var msg protocol.UserListMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return Event{Kind: EventError, Err: fmt.Errorf("decode user_list: %w", err)}, true
		}
		c.mu.Lock()
		c.presence = msg.Users
		c.mu.Unlock()
		return Event{Kind: EventPresence, Users: msg.Users}, true

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return Event{Kind: EventError, Err: fmt.Errorf("decode error: %w", err)}, true
		}
		serverErr := &ServerError{Code: msg.ErrorCode, Message: msg.Message}
		if msg.CorrelationID != "" {
			c.mu.Lock()
			delete(c.inflight, msg.CorrelationID)
			entry, ok := c.conv.Fail(msg.CorrelationID)
			c.mu.Unlock()
			if ok {
				return Event{Kind: EventSendFailed, Entry: entry, Err: serverErr}, true
			}
		}
		return Event{Kind: EventError, Err: serverErr}, true

	default:
		c.logger.Debug("ignoring frame", zap.String("type", protocol.TypeName(frame.Type)))
		return Event{}, false
	}
}

// Send echoes content locally and submits it. Over the live connection the
// result arrives later as an EventAck or EventSendFailed; over REST it is
// applied before Send returns.
func (c *Chat) Send(ctx context.Context, content string) (Entry, error) {
	if strings.TrimSpace(content) == "" {
		return Entry{}, errors.New("message is empty")
	}

	c.mu.Lock()
	recipient := c.conv.Counterpart()
	if recipient == "" {
		c.mu.Unlock()
		return Entry{}, ErrNoCounterpart
	}
	entry := c.conv.SendLocal(content)
	c.mu.Unlock()

	if c.conn.IsConnected() {
		c.mu.Lock()
		c.inflight[entry.CorrelationID] = struct{}{}
		c.mu.Unlock()
		err := c.conn.SendMessage(entry.CorrelationID, recipient, content)
		if err == nil {
			return entry, nil
		}
		c.mu.Lock()
		delete(c.inflight, entry.CorrelationID)
		c.mu.Unlock()
		c.logger.Debug("live send failed, using REST", zap.Error(err))
	}

	msg, err := c.api.Send(ctx, c.Self(), recipient, content)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.conv.Fail(entry.CorrelationID)
		return entry, err
	}
	c.conv.Ack(entry.CorrelationID, msg)
	return Entry{Message: msg, CorrelationID: entry.CorrelationID}, nil
}

// Reload fetches the active conversation's history.
func (c *Chat) Reload(ctx context.Context) error {
	c.mu.Lock()
	self, counterpart, limit := c.conv.Self(), c.conv.Counterpart(), c.historyLimit
	c.mu.Unlock()

	msgs, err := c.api.History(ctx, self, counterpart, limit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The view may have switched while the request was in flight
	if c.conv.Counterpart() != counterpart {
		return nil
	}
	c.conv.Load(msgs)
	return nil
}

// Switch changes the active conversation and loads its history.
func (c *Chat) Switch(ctx context.Context, counterpart string) error {
	c.mu.Lock()
	c.conv.Switch(counterpart)
	c.inflight = make(map[string]struct{})
	c.mu.Unlock()
	return c.Reload(ctx)
}

// Inbox lists everyone self has talked to, for picking a conversation.
func (c *Chat) Inbox(ctx context.Context) ([]string, error) {
	msgs, err := c.api.History(ctx, c.Self(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("load inbox: %w", err)
	}
	return Counterparts(c.Self(), msgs), nil
}

// RefreshPresence fetches presence over REST, for use before the live
// connection has delivered a snapshot.
func (c *Chat) RefreshPresence(ctx context.Context) ([]protocol.PresenceEntry, error) {
	users, err := c.api.Presence(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.presence = users
	c.mu.Unlock()
	return users, nil
}

// Messages returns a snapshot of the active conversation.
func (c *Chat) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.Messages()
}

// Presence returns the latest presence snapshot.
func (c *Chat) Presence() []protocol.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.PresenceEntry(nil), c.presence...)
}

// Self returns the local username.
func (c *Chat) Self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.Self()
}

// Counterpart returns the active conversation's other party.
func (c *Chat) Counterpart() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.Counterpart()
}

// Close closes the live connection.
func (c *Chat) Close() {
	c.conn.Close()
}
