package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/supportline/pkg/protocol"
)

// writeWait bounds every write to the peer.
const writeWait = 10 * time.Second

// SafeConn wraps a websocket connection with write synchronization.
//
// gorilla/websocket allows one concurrent writer. The session writer
// goroutine, shutdown notifications and close frames may all write, so
// every write goes through the mutex. Reads stay on the read loop only.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteBytes writes a pre-encoded frame as one binary message.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WritePing sends a websocket ping control frame.
func (sc *SafeConn) WritePing() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WriteClose sends a close control frame; errors are ignored since the
// connection is going away anyway.
func (sc *SafeConn) WriteClose(code int, reason string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

// ReadFrame reads the next websocket message and decodes it as a frame.
// Malformed messages are reported as ErrInvalidFrame and leave the
// connection usable; any other error is a transport failure.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	msgType, r, err := sc.conn.NextReader()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, ErrInvalidFrame
	}
	frame, err := protocol.DecodeFrame(r)
	if err != nil {
		return nil, errors.Join(ErrInvalidFrame, err)
	}
	return frame, nil
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
