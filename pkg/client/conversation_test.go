package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/supportline/pkg/protocol"
)

func msg(id, from, to string, at int64) protocol.Message {
	return protocol.Message{ID: id, Sender: from, Recipient: to, Content: "m" + id, CreatedAt: at}
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Pending {
			ids = append(ids, "pending:"+e.Message.Content)
			continue
		}
		ids = append(ids, e.Message.ID)
	}
	return ids
}

func newTestConversation() *Conversation {
	c := NewConversation("alice", "helpdesk")
	n := 0
	c.newCorrelationID = func() string {
		n++
		return fmt.Sprintf("corr-%d", n)
	}
	return c
}

func TestConversationLoad(t *testing.T) {
	c := newTestConversation()
	c.Load([]protocol.Message{
		msg("1", "alice", "helpdesk", 10),
		msg("2", "helpdesk", "alice", 20),
	})
	assert.Equal(t, []string{"1", "2"}, entryIDs(c.Messages()))

	// Load replaces, it does not append
	c.Load([]protocol.Message{msg("3", "alice", "helpdesk", 30)})
	assert.Equal(t, []string{"3"}, entryIDs(c.Messages()))
}

func TestConversationReceiveIsIdempotent(t *testing.T) {
	c := newTestConversation()
	c.Load([]protocol.Message{msg("1", "alice", "helpdesk", 10)})

	assert.False(t, c.Receive(msg("1", "alice", "helpdesk", 10)))
	assert.True(t, c.Receive(msg("2", "helpdesk", "alice", 20)))
	assert.False(t, c.Receive(msg("2", "helpdesk", "alice", 20)))

	assert.Equal(t, []string{"1", "2"}, entryIDs(c.Messages()))

	// A history refresh containing a pushed message keeps it once
	c.Load([]protocol.Message{msg("1", "alice", "helpdesk", 10), msg("2", "helpdesk", "alice", 20)})
	assert.Equal(t, []string{"1", "2"}, entryIDs(c.Messages()))
}

func TestConversationReceiveOtherConversation(t *testing.T) {
	c := newTestConversation()
	assert.False(t, c.Receive(msg("1", "ops", "alice", 10)))
	assert.False(t, c.Receive(msg("2", "helpdesk", "bob", 10)))
	assert.Empty(t, c.Messages())

	all := NewConversation("helpdesk", "")
	assert.True(t, all.Receive(msg("1", "alice", "helpdesk", 10)))
	assert.True(t, all.Receive(msg("2", "bob", "helpdesk", 11)))
	assert.False(t, all.Receive(msg("3", "alice", "ops", 12)))
}

func TestConversationReceiveOutOfOrder(t *testing.T) {
	c := newTestConversation()
	c.Receive(msg("3", "helpdesk", "alice", 30))
	c.Receive(msg("1", "helpdesk", "alice", 10))
	c.Receive(msg("2", "helpdesk", "alice", 20))
	assert.Equal(t, []string{"1", "2", "3"}, entryIDs(c.Messages()))
}

func TestConversationAckReplacesInPlace(t *testing.T) {
	c := newTestConversation()
	c.Load([]protocol.Message{msg("1", "helpdesk", "alice", 10)})

	local := c.SendLocal("hello")
	assert.True(t, local.Pending)
	assert.Equal(t, "corr-1", local.CorrelationID)
	assert.Equal(t, "helpdesk", local.Message.Recipient)
	assert.Equal(t, []string{"1", "pending:hello"}, entryIDs(c.Messages()))

	persisted := protocol.Message{ID: "2", Sender: "alice", Recipient: "helpdesk", Content: "hello", CreatedAt: 20}
	assert.True(t, c.Ack(local.CorrelationID, persisted))

	entries := c.Messages()
	require.Len(t, entries, 2)
	assert.False(t, entries[1].Pending)
	assert.Equal(t, "2", entries[1].Message.ID)
	assert.Equal(t, 0, c.PendingCount())
}

func TestConversationAckAfterHistoryRefresh(t *testing.T) {
	c := newTestConversation()
	local := c.SendLocal("hello")

	persisted := protocol.Message{ID: "7", Sender: "alice", Recipient: "helpdesk", Content: "hello", CreatedAt: 20}
	// History arrives first and already contains the persisted copy
	c.Load([]protocol.Message{persisted})
	assert.Equal(t, []string{"7"}, entryIDs(c.Messages()))

	assert.False(t, c.Ack(local.CorrelationID, persisted), "late ack changes nothing")
	assert.Equal(t, []string{"7"}, entryIDs(c.Messages()), "no duplicate after ack")
}

func TestConversationLoadRetiresPersistedEcho(t *testing.T) {
	c := newTestConversation()
	c.Load([]protocol.Message{
		{ID: "1", Sender: "alice", Recipient: "helpdesk", Content: "again", CreatedAt: 10},
	})
	c.SendLocal("again")
	c.SendLocal("again")
	c.SendLocal("other")

	c.Load([]protocol.Message{
		{ID: "1", Sender: "alice", Recipient: "helpdesk", Content: "again", CreatedAt: 10},
		{ID: "2", Sender: "helpdesk", Recipient: "alice", Content: "again", CreatedAt: 20},
		{ID: "3", Sender: "alice", Recipient: "helpdesk", Content: "again", CreatedAt: 30},
	})
	// 1 was already shown and 2 came from the counterpart, so only 3
	// stands for one of the echoes
	assert.Equal(t, []string{"1", "2", "3", "pending:again", "pending:other"}, entryIDs(c.Messages()))
	assert.Equal(t, 2, c.PendingCount())

	c.Load([]protocol.Message{
		{ID: "1", Sender: "alice", Recipient: "helpdesk", Content: "again", CreatedAt: 10},
		{ID: "2", Sender: "helpdesk", Recipient: "alice", Content: "again", CreatedAt: 20},
		{ID: "3", Sender: "alice", Recipient: "helpdesk", Content: "again", CreatedAt: 30},
	})
	assert.Equal(t, 2, c.PendingCount(), "reloading the same history retires nothing")
}

func TestConversationAckUnknownCorrelation(t *testing.T) {
	c := newTestConversation()
	persisted := msg("5", "alice", "helpdesk", 50)
	assert.True(t, c.Ack("never-sent", persisted))
	assert.Equal(t, []string{"5"}, entryIDs(c.Messages()))
	assert.False(t, c.Ack("never-sent", persisted))
}

func TestConversationFail(t *testing.T) {
	c := newTestConversation()
	a := c.SendLocal("first")
	b := c.SendLocal("second")

	failed, ok := c.Fail(a.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, "first", failed.Message.Content)
	assert.Equal(t, []string{"pending:second"}, entryIDs(c.Messages()))

	_, ok = c.Fail(a.CorrelationID)
	assert.False(t, ok)

	_, ok = c.Fail(b.CorrelationID)
	assert.True(t, ok)
	assert.Empty(t, c.Messages())
}

func TestConversationSwitch(t *testing.T) {
	c := newTestConversation()
	c.Load([]protocol.Message{msg("1", "alice", "helpdesk", 10)})
	c.SendLocal("pending")

	c.Switch("ops")
	assert.Equal(t, "ops", c.Counterpart())
	assert.Empty(t, c.Messages())
	assert.True(t, c.Receive(msg("1", "ops", "alice", 10)), "ids from the old view are forgotten")
}

func TestCounterparts(t *testing.T) {
	msgs := []protocol.Message{
		msg("1", "alice", "helpdesk", 1),
		msg("2", "helpdesk", "alice", 2),
		msg("3", "bob", "helpdesk", 3),
		msg("4", "carol", "ops", 4),
		msg("5", "helpdesk", "dave", 5),
	}
	assert.Equal(t, []string{"alice", "bob", "dave"}, Counterparts("helpdesk", msgs))
	assert.Empty(t, Counterparts("nobody", msgs))
}

// Any interleaving of loads, pushes, sends, acks and failures leaves the
// confirmed entries unique by id and ordered by creation time, followed
// only by pending entries.
func TestConversationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewConversation("alice", "helpdesk")
		var pool []protocol.Message
		var pending []string

		newMessage := func() protocol.Message {
			from, to := "alice", "helpdesk"
			if rapid.Bool().Draw(t, "inbound") {
				from, to = to, from
			}
			m := protocol.Message{
				ID:        fmt.Sprintf("id-%d", len(pool)),
				Sender:    from,
				Recipient: to,
				CreatedAt: rapid.Int64Range(0, 50).Draw(t, "createdAt"),
			}
			pool = append(pool, m)
			return m
		}
		existing := func() protocol.Message {
			if len(pool) == 0 {
				return newMessage()
			}
			return pool[rapid.IntRange(0, len(pool)-1).Draw(t, "pick")]
		}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 5).Draw(t, "op") {
			case 0:
				c.Receive(newMessage())
			case 1:
				c.Receive(existing())
			case 2:
				pending = append(pending, c.SendLocal("x").CorrelationID)
			case 3:
				if len(pending) > 0 {
					c.Ack(pending[0], newMessage())
					pending = pending[1:]
				}
			case 4:
				if len(pending) > 0 {
					c.Fail(pending[0])
					pending = pending[1:]
				}
			case 5:
				var hist []protocol.Message
				for _, m := range pool {
					if rapid.Bool().Draw(t, "include") {
						hist = append(hist, m)
					}
				}
				// History is served in creation order
				for a := 1; a < len(hist); a++ {
					for b := a; b > 0 && hist[b-1].CreatedAt > hist[b].CreatedAt; b-- {
						hist[b-1], hist[b] = hist[b], hist[b-1]
					}
				}
				c.Load(hist)
			}
		}

		seen := map[string]bool{}
		var last int64 = -1
		inPending := false
		for _, e := range c.Messages() {
			if e.Pending {
				inPending = true
				continue
			}
			if inPending {
				t.Fatalf("confirmed entry %s after a pending one", e.Message.ID)
			}
			if seen[e.Message.ID] {
				t.Fatalf("duplicate id %s", e.Message.ID)
			}
			seen[e.Message.ID] = true
			if e.Message.CreatedAt < last {
				t.Fatalf("entry %s out of order", e.Message.ID)
			}
			last = e.Message.CreatedAt
		}
		if c.PendingCount() != len(pending) {
			t.Fatalf("pending count %d, want %d", c.PendingCount(), len(pending))
		}
	})
}
