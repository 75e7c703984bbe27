package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/auth"
	"github.com/aeolun/supportline/pkg/protocol"
)

// ErrInvalidFrame marks a websocket message that is not a valid frame.
// The connection stays usable.
var ErrInvalidFrame = errors.New("invalid frame")

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes. The read loop runs on the handler goroutine.
func (s *Server) HandleWebSocket(c *gin.Context) {
	identity, _ := auth.Identity(c)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrader already replied with an HTTP error
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := s.sessions.CreateSession(conn, identity)
	s.connectionsSinceReport.Add(1)
	log.Debug("new connection", zap.Uint64("session", sess.ID), zap.String("remote", sess.RemoteAddr))

	s.wg.Add(1)
	go s.writeLoop(sess)

	s.readLoop(sess, conn)
}

func (s *Server) readLoop(sess *Session, conn *websocket.Conn) {
	defer s.closeSession(sess)

	pongWait := s.config.PingInterval * 2
	conn.SetReadLimit(protocol.MaxFrameSize + 4)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		frame, err := sess.Conn.ReadFrame()
		if errors.Is(err, ErrInvalidFrame) {
			log.Debug("invalid frame", zap.Uint64("session", sess.ID), zap.Error(err))
			s.sendError(sess, "", protocol.ErrCodeInvalidFrame, "Invalid frame")
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read error", zap.Uint64("session", sess.ID), zap.Error(err))
			}
			return
		}

		// Any traffic proves the peer is alive
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.handleMessage(sess, frame); err != nil {
			log.Warn("handle error", zap.Uint64("session", sess.ID), zap.Error(err))
			s.sendError(sess, "", protocol.ErrCodeInternalError, "Internal error")
		}
	}
}

// writeLoop is the only goroutine draining the session queue.
func (s *Server) writeLoop(sess *Session) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-sess.send:
			if err := sess.Conn.WriteBytes(data); err != nil {
				log.Debug("write error", zap.Uint64("session", sess.ID), zap.Error(err))
				s.closeSession(sess)
				return
			}
		case <-ticker.C:
			if err := sess.Conn.WritePing(); err != nil {
				s.closeSession(sess)
				return
			}
		case <-sess.Done():
			return
		case <-s.shutdown:
			return
		}
	}
}

// closeSession deactivates the session's presence and removes it. Safe to
// call from both loops; only the first call has any effect.
func (s *Server) closeSession(sess *Session) {
	if !s.sessions.RemoveSession(sess.ID) {
		return
	}

	s.disconnectionsSinceReport.Add(1)
	names := s.deactivate(sess)
	log.Debug("connection closed", zap.Uint64("session", sess.ID), zap.Strings("deactivated", names))
}
