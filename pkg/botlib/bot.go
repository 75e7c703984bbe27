package botlib

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/client"
	"github.com/aeolun/supportline/pkg/protocol"
)

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address (http(s) or ws(s) URL, or host:port)
	Server string

	// Username of an existing account
	Username string

	// Token for servers that require auth (optional)
	Token string

	// Logger for debug output (optional)
	Logger *zap.Logger

	// ResponseTimeout bounds how long a reply waits for its ack (default: 10s)
	ResponseTimeout time.Duration
}

// ErrTimeout is returned when the server does not answer a reply in time.
var ErrTimeout = errors.New("timed out waiting for the server")

type sendResult struct {
	msg protocol.Message
	err error
}

// Bot represents a Supportline bot instance.
type Bot struct {
	config Config
	conn   client.LiveConnection
	api    client.HistoryClient
	logger *zap.Logger

	// Senders seen since start
	seen   map[string]bool
	seenMu sync.Mutex

	// Replies waiting for MESSAGE_SENT or ERROR, by correlation id
	pending   map[string]chan sendResult
	pendingMu sync.Mutex

	// Handlers
	onMessage      MessageHandler
	onFirstContact MessageHandler

	wg sync.WaitGroup
}

// New creates a bot that talks to config.Server.
func New(config Config) (*Bot, error) {
	conn, err := client.NewConnection(config.Server, config.Token)
	if err != nil {
		return nil, err
	}
	if config.Logger != nil {
		conn.SetLogger(config.Logger.Named("conn"))
	}
	return NewWithClients(config, conn, client.NewAPI(restURL(conn.GetAddress()), config.Token)), nil
}

// NewWithClients creates a bot over existing transports.
func NewWithClients(config Config, conn client.LiveConnection, api client.HistoryClient) *Bot {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	return &Bot{
		config:  config,
		conn:    conn,
		api:     api,
		logger:  config.Logger,
		seen:    make(map[string]bool),
		pending: make(map[string]chan sendResult),
	}
}

// OnMessage registers a handler for all new messages.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnFirstContact registers a handler for a sender's first message in a
// conversation with no earlier history. OnMessage is not called for it.
func (b *Bot) OnFirstContact(handler MessageHandler) {
	b.onFirstContact = handler
}

// Run connects, registers and dispatches messages until ctx is done or the
// connection is closed.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("connecting", zap.String("server", b.config.Server), zap.String("username", b.config.Username))
	if err := b.conn.Connect(); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer b.conn.Close()

	if err := b.conn.Register(b.config.Username); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	b.logger.Info("bot is running")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stop requested")
			return nil
		case frame, ok := <-b.conn.Incoming():
			if !ok {
				return nil
			}
			b.handleFrame(frame)
		case err, ok := <-b.conn.Errors():
			if !ok {
				return nil
			}
			b.logger.Warn("connection error", zap.Error(err))
		case state, ok := <-b.conn.StateChanges():
			if !ok {
				return nil
			}
			if state.State == client.StateTypeConnected {
				if err := b.conn.Register(b.config.Username); err != nil {
					b.logger.Warn("re-register failed", zap.Error(err))
				}
			}
		}
	}
}

func (b *Bot) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeReceiveMessage:
		var msg protocol.ReceiveMessageMessage
		if err := msg.Decode(frame.Payload); err != nil {
			b.logger.Warn("failed to decode receive_message", zap.Error(err))
			return
		}
		b.handleNewMessage(msg.Message)

	case protocol.TypeMessageSent:
		var msg protocol.MessageSentMessage
		if err := msg.Decode(frame.Payload); err != nil {
			b.logger.Warn("failed to decode message_sent", zap.Error(err))
			return
		}
		b.resolve(msg.CorrelationID, sendResult{msg: msg.Message})

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := msg.Decode(frame.Payload); err != nil {
			b.logger.Warn("failed to decode error", zap.Error(err))
			return
		}
		serverErr := &client.ServerError{Code: msg.ErrorCode, Message: msg.Message}
		if msg.CorrelationID == "" || !b.resolve(msg.CorrelationID, sendResult{err: serverErr}) {
			b.logger.Warn("server error", zap.Error(serverErr))
		}

	case protocol.TypeUserList:
		// Presence is not used by bots

	default:
		b.logger.Debug("ignoring frame", zap.String("type", protocol.TypeName(frame.Type)))
	}
}

func (b *Bot) handleNewMessage(m protocol.Message) {
	// Skip our own messages and anything not addressed to us
	if m.Sender == b.config.Username || m.Recipient != b.config.Username {
		return
	}

	msg := &Message{Message: m}
	ctx := &Context{bot: b, message: msg}

	// Handlers reply and wait for acks, which arrive on the read loop
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("handler panic", zap.Any("panic", r), zap.String("from", m.Sender))
			}
		}()

		if b.onFirstContact != nil && b.isFirstContact(m) {
			b.onFirstContact(ctx, msg)
			return
		}
		if b.onMessage != nil {
			b.onMessage(ctx, msg)
		}
	}()
}

// isFirstContact reports whether m opens a conversation. The first message
// from each sender since start is checked against stored history.
func (b *Bot) isFirstContact(m protocol.Message) bool {
	b.seenMu.Lock()
	seen := b.seen[m.Sender]
	b.seen[m.Sender] = true
	b.seenMu.Unlock()
	if seen {
		return false
	}

	history, err := b.history(m.Sender, 2)
	if err != nil {
		b.logger.Warn("history lookup failed", zap.String("from", m.Sender), zap.Error(err))
		return false
	}
	for _, h := range history {
		if h.ID != m.ID {
			return false
		}
	}
	return true
}

func (b *Bot) history(counterpart string, limit int) ([]protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.ResponseTimeout)
	defer cancel()
	return b.api.History(ctx, b.config.Username, counterpart, limit)
}

// send delivers content to recipient over the live connection and waits
// for the server's answer.
func (b *Bot) send(recipient, content string) (*protocol.Message, error) {
	corr := uuid.NewString()
	ch := make(chan sendResult, 1)

	b.pendingMu.Lock()
	b.pending[corr] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, corr)
		b.pendingMu.Unlock()
	}()

	if err := b.conn.SendMessage(corr, recipient, content); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return &res.msg, nil
	case <-time.After(b.config.ResponseTimeout):
		return nil, ErrTimeout
	}
}

func (b *Bot) resolve(corr string, res sendResult) bool {
	b.pendingMu.Lock()
	ch, ok := b.pending[corr]
	b.pendingMu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
	return ok
}

// restURL maps the live transport URL back to the REST base URL.
func restURL(wsURL string) string {
	u := strings.TrimSuffix(wsURL, "/ws")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
