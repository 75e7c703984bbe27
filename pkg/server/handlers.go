package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/protocol"
)

// requestTimeout bounds store calls made on behalf of one live frame.
const requestTimeout = 10 * time.Second

// handleMessage dispatches a frame to the appropriate handler
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) error {
	if s.metrics != nil {
		s.metrics.RecordFrameReceived(protocol.TypeName(frame.Type))
	}

	switch frame.Type {
	case protocol.TypeRegister:
		return s.handleRegister(sess, frame)
	case protocol.TypeSendMessage:
		return s.handleSendMessage(sess, frame)
	default:
		return s.sendError(sess, "", protocol.ErrCodeUnsupportedType, "Unsupported message type")
	}
}

// handleRegister binds the connection to a username. The last connection
// to register a username receives its pushes.
func (s *Server) handleRegister(sess *Session, frame *protocol.Frame) error {
	var msg protocol.RegisterMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, "", protocol.ErrCodeInvalidFormat, "Invalid REGISTER payload")
	}

	username := strings.TrimSpace(msg.Username)
	if username == "" {
		return s.sendError(sess, "", protocol.ErrCodeInvalidInput, "Username is required")
	}
	if sess.Identity != "" && username != sess.Identity {
		return s.sendError(sess, "", protocol.ErrCodeIdentityMismatch, "Cannot register as another user")
	}
	if current := sess.Username(); current != "" && current != username {
		return s.sendError(sess, "", protocol.ErrCodeAlreadyRegistered, "Connection already registered as "+current)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := s.router.Role(ctx, username); err != nil {
		return s.sendError(sess, "", protocolCode(err), publicMessage(err))
	}

	s.register(username, sess)
	log.Debug("registered", zap.Uint64("session", sess.ID), zap.String("username", username))
	return nil
}

// handleSendMessage routes a live send through the durable path and
// acknowledges with the persisted message or an error, both carrying the
// client's correlation id.
func (s *Server) handleSendMessage(sess *Session, frame *protocol.Frame) error {
	var msg protocol.SendMessageMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, "", protocol.ErrCodeInvalidFormat, "Invalid SEND_MESSAGE payload")
	}

	sender := sess.Username()
	if sender == "" {
		return s.sendError(sess, msg.CorrelationID, protocol.ErrCodeNotRegistered, "Register before sending")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stored, err := s.router.Send(ctx, sender, msg.Recipient, msg.Content)
	if err != nil {
		if errors.Is(err, ErrStorage) {
			log.Error("send failed", zap.String("sender", sender), zap.String("recipient", msg.Recipient), zap.Error(err))
		}
		return s.sendError(sess, msg.CorrelationID, protocolCode(err), publicMessage(err))
	}

	return s.sendMessage(sess, protocol.TypeMessageSent, &protocol.MessageSentMessage{
		CorrelationID: msg.CorrelationID,
		Message:       toWire(stored),
	})
}

// sendMessage encodes msg and queues it on the session.
func (s *Server) sendMessage(sess *Session, msgType uint8, msg protocol.ProtocolMessage) error {
	data, err := protocol.EncodeMessage(msgType, msg)
	if err != nil {
		return err
	}
	if !sess.Push(data) {
		log.Debug("reply dropped", zap.Uint64("session", sess.ID), zap.String("type", protocol.TypeName(msgType)))
	}
	return nil
}

// sendError sends an ERROR message to a session
func (s *Server) sendError(sess *Session, correlationID string, code uint16, message string) error {
	return s.sendMessage(sess, protocol.TypeError, &protocol.ErrorMessage{
		CorrelationID: correlationID,
		ErrorCode:     code,
		Message:       message,
	})
}

// register binds username to sess and announces the new snapshot.
func (s *Server) register(username string, sess *Session) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	s.registry.Register(username, sess)
	sess.setUsername(username)
	s.broadcastUserList()
}

// deactivate takes sess offline and announces the change, if any.
func (s *Server) deactivate(sess *Session) []string {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	names := s.registry.Deactivate(sess)
	if len(names) > 0 {
		s.broadcastUserList()
	}
	return names
}

// broadcastUserList sends the full presence snapshot to every open
// connection, anonymous ones included. Callers hold presenceMu so
// snapshots go out in the order the registry changed; pushes never block.
func (s *Server) broadcastUserList() {
	data, err := protocol.EncodeMessage(protocol.TypeUserList, &protocol.UserListMessage{
		Users: s.registry.Snapshot(),
	})
	if err != nil {
		log.Error("failed to encode user_list", zap.Error(err))
		return
	}

	sessions := s.sessions.GetAllSessions()
	dropped := 0
	for _, sess := range sessions {
		if !sess.Push(data) {
			dropped++
		}
	}

	if s.metrics != nil {
		s.metrics.RecordPresenceBroadcast()
		s.metrics.RecordOnlineUsers(s.registry.OnlineCount())
	}
	if dropped > 0 {
		log.Debug("user_list not delivered to every session", zap.Int("dropped", dropped), zap.Int("sessions", len(sessions)))
	}
}
