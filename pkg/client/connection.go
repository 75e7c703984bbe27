package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/protocol"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrQueueFull    = errors.New("outgoing queue full")
	ErrClosed       = errors.New("connection closed")
)

const writeWait = 10 * time.Second

// Connection is a live websocket connection to the server. Every
// websocket message carries exactly one frame.
type Connection struct {
	url    string // ws(s)://host/ws
	header http.Header

	conn         *websocket.Conn
	connDone     chan struct{} // Closed when the current conn is torn down
	mu           sync.RWMutex
	connected    bool
	reconnecting bool
	closed       bool

	// Channels for communication
	incoming    chan *protocol.Frame
	outgoing    chan []byte
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Auto-reconnect settings
	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *zap.Logger

	// Shutdown
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection creates a connection to serverURL (http, https, ws or wss;
// the /ws path is added when missing). token is sent as a bearer header.
func NewConnection(serverURL, token string) (*Connection, error) {
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return &Connection{
		url:               wsURL,
		header:            header,
		incoming:          make(chan *protocol.Frame, 100),
		outgoing:          make(chan []byte, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		logger:            zap.NewNop(),
		shutdown:          make(chan struct{}),
	}, nil
}

// websocketURL normalizes a server address into the live transport URL.
func websocketURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("server address is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q (use http, https, ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server address %q: missing host", raw)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.logger = logger
}

// DisableAutoReconnect disables automatic reconnection on connection loss
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// Connect dials the server and starts the reader and writer goroutines.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logger.Debug("connecting", zap.String("url", c.url))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (HTTP %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize + 4)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connDone = done
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug("connected", zap.String("url", c.url))

	c.wg.Add(2)
	go c.readLoop(conn, done)
	go c.writeLoop(conn, done)

	return nil
}

// Disconnect closes the current connection without reconnecting.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	c.mu.Unlock()
	c.teardown()
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return // Already closed
	}
	c.closed = true
	c.autoReconnect = false
	conn := c.conn
	c.mu.Unlock()

	close(c.shutdown)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	c.teardown()
	c.wg.Wait()

	close(c.incoming)
	close(c.errors)
	close(c.stateChange)
}

// teardown closes the current connection and reports whether it was up.
func (c *Connection) teardown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	return wasConnected
}

// Send queues an encoded frame for the writer.
func (c *Connection) Send(msgType uint8, msg protocol.ProtocolMessage) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	data, err := protocol.EncodeMessage(msgType, msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", protocol.TypeName(msgType), err)
	}

	select {
	case c.outgoing <- data:
		return nil
	case <-c.shutdown:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Register binds this connection to username on the server.
func (c *Connection) Register(username string) error {
	return c.Send(protocol.TypeRegister, &protocol.RegisterMessage{Username: username})
}

// SendMessage asks the server to persist and deliver a message. The
// outcome arrives as MESSAGE_SENT or ERROR carrying correlationID.
func (c *Connection) SendMessage(correlationID, recipient, content string) error {
	return c.Send(protocol.TypeSendMessage, &protocol.SendMessageMessage{
		CorrelationID: correlationID,
		Recipient:     recipient,
		Content:       content,
	})
}

// Incoming returns the channel for receiving frames from server
func (c *Connection) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the websocket URL
func (c *Connection) GetAddress() string {
	return c.url
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
		c.logger.Debug("error channel full, dropping", zap.Error(err))
	}
}

// readLoop reads frames from conn until it fails
func (c *Connection) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Torn down locally
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection closed by server", zap.Error(err))
			} else {
				c.reportError(fmt.Errorf("read error: %w", err))
			}
			c.handleDisconnect(err)
			return
		}
		c.bytesReceived.Add(uint64(len(data)))

		if msgType != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary message")
			continue
		}

		frame, err := protocol.DecodeMessage(data)
		if err != nil {
			c.reportError(fmt.Errorf("decode error: %w", err))
			continue
		}

		c.logger.Debug("recv", zap.String("type", protocol.TypeName(frame.Type)), zap.Int("payload", len(frame.Payload)))

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends queued frames on conn
func (c *Connection) writeLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case data := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.reportError(fmt.Errorf("write error: %w", err))
				c.handleDisconnect(err)
				return
			}
			c.bytesSent.Add(uint64(len(data)))
		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) handleDisconnect(cause error) {
	if !c.teardown() {
		return
	}

	c.logger.Debug("disconnected from server", zap.Error(cause))

	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Err: cause}:
	default:
	}

	c.mu.RLock()
	reconnect := c.autoReconnect && !c.closed
	c.mu.RUnlock()
	if reconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		select {
		case <-c.shutdown:
			return
		case <-time.After(delay):
			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
			default:
			}

			if err := c.Connect(); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				c.logger.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))

				// Exponential backoff
				delay *= 2
				if delay > c.maxReconnectDelay {
					delay = c.maxReconnectDelay
				}
				attempt++
				continue
			}

			c.logger.Debug("reconnected", zap.Int("attempts", attempt))
			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected}:
			default:
			}
			return
		}
	}
}
