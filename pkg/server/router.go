package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/database"
	"github.com/aeolun/supportline/pkg/protocol"
)

// DefaultMaxMessageLength is the content limit in bytes when none is configured.
const DefaultMaxMessageLength = 4096

// Router is the single write path for direct messages: validate, resolve
// roles, apply the routing policy, persist, then push to an online
// recipient. History reads go through it as well.
type Router struct {
	store            database.Store
	presence         *Registry
	publisher        Publisher
	metrics          *Metrics
	maxMessageLength int
}

func NewRouter(store database.Store, presence *Registry, maxMessageLength int) *Router {
	if maxMessageLength <= 0 {
		maxMessageLength = DefaultMaxMessageLength
	}
	return &Router{
		store:            store,
		presence:         presence,
		publisher:        noopPublisher{},
		maxMessageLength: maxMessageLength,
	}
}

// SetPublisher attaches an event publisher for persisted messages
func (r *Router) SetPublisher(p Publisher) {
	if p == nil {
		p = noopPublisher{}
	}
	r.publisher = p
}

// SetMetrics attaches metrics to the router
func (r *Router) SetMetrics(m *Metrics) {
	r.metrics = m
}

// CanSend reports whether the routing policy allows from → to.
// Users may only write to admins and admins only to users.
func CanSend(from, to database.Role) bool {
	return (from == database.RoleUser && to == database.RoleAdmin) ||
		(from == database.RoleAdmin && to == database.RoleUser)
}

// Send persists a message and pushes it to the recipient when online.
// Every error wraps one of ErrValidation, ErrNotFound, ErrAuthorization or
// ErrStorage. Nothing is persisted or pushed when an error is returned.
func (r *Router) Send(ctx context.Context, sender, recipient, content string) (*database.Message, error) {
	msg, err := r.send(ctx, sender, recipient, content)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordSendRejected(errorKind(err))
		}
		return nil, err
	}
	return msg, nil
}

func (r *Router) send(ctx context.Context, sender, recipient, content string) (*database.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: message content cannot be empty", ErrValidation)
	}
	if len(content) > r.maxMessageLength {
		return nil, fmt.Errorf("%w (max %d bytes)", ErrMessageTooLong, r.maxMessageLength)
	}

	from, err := r.resolve(ctx, sender)
	if err != nil {
		return nil, err
	}
	to, err := r.resolve(ctx, recipient)
	if err != nil {
		return nil, err
	}

	if !CanSend(from.Role, to.Role) {
		if from.Role == database.RoleAdmin {
			return nil, fmt.Errorf("%w: admins can only message users", ErrAuthorization)
		}
		return nil, fmt.Errorf("%w: users can only message an admin", ErrAuthorization)
	}

	msg, err := r.store.CreateMessage(ctx, from.Username, to.Username, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if r.metrics != nil {
		r.metrics.RecordMessagePersisted()
	}

	// Persisted: from here on nothing can fail the send.
	r.push(msg)
	if err := r.publisher.Publish(msg); err != nil {
		log.Warn("failed to publish message event", zap.String("id", msg.ID), zap.Error(err))
	}

	return msg, nil
}

func (r *Router) resolve(ctx context.Context, username string) (*database.User, error) {
	user, err := r.store.ResolveUser(ctx, username)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return user, nil
}

// push delivers msg to the recipient's current connection, if active.
// The registry lock is released before the frame is queued.
func (r *Router) push(msg *database.Message) {
	entry, ok := r.presence.Lookup(msg.Recipient)
	if !ok || !entry.Active || entry.Handle == nil {
		r.recordPush("offline")
		return
	}

	data, err := protocol.EncodeMessage(protocol.TypeReceiveMessage, &protocol.ReceiveMessageMessage{
		Message: toWire(msg),
	})
	if err != nil {
		log.Error("failed to encode receive_message", zap.String("id", msg.ID), zap.Error(err))
		return
	}

	if entry.Handle.Push(data) {
		r.recordPush("delivered")
	} else {
		log.Debug("recipient queue full, push dropped", zap.String("recipient", msg.Recipient), zap.String("id", msg.ID))
		r.recordPush("dropped")
	}
}

func (r *Router) recordPush(result string) {
	if r.metrics != nil {
		r.metrics.RecordPush(result)
	}
}

// History returns username's messages in creation order. With a
// counterpart only the conversation between the two is returned.
func (r *Router) History(ctx context.Context, username, counterpart string, page database.Page) ([]*database.Message, error) {
	var (
		msgs []*database.Message
		err  error
	)
	if counterpart != "" {
		msgs, err = r.store.FindConversation(ctx, username, counterpart, page)
	} else {
		msgs, err = r.store.FindAllFor(ctx, username, page)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return msgs, nil
}

// Role resolves a username through the role oracle.
func (r *Router) Role(ctx context.Context, username string) (database.Role, error) {
	user, err := r.resolve(ctx, username)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}

func toWire(m *database.Message) protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
