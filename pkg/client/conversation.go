package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/supportline/pkg/protocol"
)

// Entry is one line of the active conversation. Pending entries are local
// echoes still waiting for the server to persist them; they carry a
// correlation id and no message id.
type Entry struct {
	Message       protocol.Message
	CorrelationID string
	Pending       bool
}

// Conversation is the client's view of one conversation. Confirmed entries
// are ordered by creation time and unique by message id; pending entries
// follow them in send order.
//
// Conversation is not safe for concurrent use.
type Conversation struct {
	self        string
	counterpart string

	confirmed []Entry
	pending   []Entry
	ids       map[string]struct{}

	newCorrelationID func() string
	now              func() time.Time
}

// NewConversation creates an empty view for self talking to counterpart.
// An empty counterpart accepts every message involving self.
func NewConversation(self, counterpart string) *Conversation {
	return &Conversation{
		self:             self,
		counterpart:      counterpart,
		ids:              make(map[string]struct{}),
		newCorrelationID: uuid.NewString,
		now:              time.Now,
	}
}

func (c *Conversation) Self() string        { return c.self }
func (c *Conversation) Counterpart() string { return c.counterpart }

// Belongs reports whether msg is part of the active conversation.
func (c *Conversation) Belongs(msg protocol.Message) bool {
	if c.counterpart == "" {
		return msg.Sender == c.self || msg.Recipient == c.self
	}
	return (msg.Sender == c.self && msg.Recipient == c.counterpart) ||
		(msg.Sender == c.counterpart && msg.Recipient == c.self)
}

// Load replaces the confirmed entries with a fetched history. A message
// from self that was not in the view before retires the oldest pending
// echo with the same recipient and content, since its acknowledgement can
// no longer arrive once the connection that carried it is gone. Other
// pending entries stay at the tail.
func (c *Conversation) Load(msgs []protocol.Message) {
	known := c.ids
	c.confirmed = c.confirmed[:0]
	c.ids = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if !c.insert(m) {
			continue
		}
		if _, seen := known[m.ID]; !seen {
			c.retireEcho(m)
		}
	}
}

// Receive merges a pushed message. It returns false when the message is
// already present or belongs to another conversation.
func (c *Conversation) Receive(msg protocol.Message) bool {
	if !c.Belongs(msg) {
		return false
	}
	return c.insert(msg)
}

// SendLocal appends a pending echo for content and returns it. The caller
// sends the returned CorrelationID with the message.
func (c *Conversation) SendLocal(content string) Entry {
	e := Entry{
		CorrelationID: c.newCorrelationID(),
		Pending:       true,
		Message: protocol.Message{
			Sender:    c.self,
			Recipient: c.counterpart,
			Content:   content,
			CreatedAt: c.now().UnixMilli(),
		},
	}
	c.pending = append(c.pending, e)
	return e
}

// Ack replaces the pending entry for correlationID with the persisted
// message. If the message already arrived by another route the pending
// entry is simply dropped. It returns false when nothing changed.
func (c *Conversation) Ack(correlationID string, msg protocol.Message) bool {
	_, hadPending := c.removePending(correlationID)
	if !c.Belongs(msg) {
		return hadPending
	}
	inserted := c.insert(msg)
	return hadPending || inserted
}

// Fail removes the pending entry for correlationID and returns it so the
// caller can surface the failure or offer a retry.
func (c *Conversation) Fail(correlationID string) (Entry, bool) {
	return c.removePending(correlationID)
}

// Switch clears the view and targets a new counterpart. The caller loads
// the new history.
func (c *Conversation) Switch(counterpart string) {
	c.counterpart = counterpart
	c.confirmed = nil
	c.pending = nil
	c.ids = make(map[string]struct{})
}

// Messages returns confirmed entries followed by pending ones.
func (c *Conversation) Messages() []Entry {
	out := make([]Entry, 0, len(c.confirmed)+len(c.pending))
	out = append(out, c.confirmed...)
	return append(out, c.pending...)
}

// PendingCount returns how many sends are awaiting acknowledgement.
func (c *Conversation) PendingCount() int {
	return len(c.pending)
}

// insert adds msg among the confirmed entries in creation order unless its
// id is already present.
func (c *Conversation) insert(msg protocol.Message) bool {
	if _, ok := c.ids[msg.ID]; ok {
		return false
	}
	c.ids[msg.ID] = struct{}{}

	// Pushes almost always arrive in order, so scan from the end
	i := len(c.confirmed)
	for i > 0 && c.confirmed[i-1].Message.CreatedAt > msg.CreatedAt {
		i--
	}
	c.confirmed = append(c.confirmed, Entry{})
	copy(c.confirmed[i+1:], c.confirmed[i:])
	c.confirmed[i] = Entry{Message: msg}
	return true
}

func (c *Conversation) retireEcho(msg protocol.Message) {
	if msg.Sender != c.self {
		return
	}
	for i, e := range c.pending {
		if e.Message.Recipient == msg.Recipient && e.Message.Content == msg.Content {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Conversation) removePending(correlationID string) (Entry, bool) {
	for i, e := range c.pending {
		if e.CorrelationID == correlationID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}

// Counterparts lists the distinct users self has exchanged messages with,
// in order of first appearance. Admins use it to pick a conversation.
func Counterparts(self string, msgs []protocol.Message) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range msgs {
		other := m.Recipient
		if m.Recipient == self {
			other = m.Sender
		} else if m.Sender != self {
			continue
		}
		if other == self || seen[other] {
			continue
		}
		seen[other] = true
		out = append(out, other)
	}
	return out
}
