package server

import (
	"encoding/json"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/supportline/pkg/database"
)

func runNATS(t *testing.T) string {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "supportline.messages.alice", eventSubject("supportline.messages", "alice"))
	assert.Equal(t, "p.a_b", eventSubject("p", "a_b"))
	assert.Equal(t, "p.~612e62", eventSubject("p", "a.b"))
	assert.Equal(t, "p.~612062", eventSubject("p", "a b"))
	assert.Equal(t, "p.~2a3e", eventSubject("p", "*>"))
	assert.Equal(t, "p.~", eventSubject("p", ""))

	seen := map[string]string{}
	for _, name := range []string{"a.b", "a_b", "a b", "a-b", "~612e62", "A.B", "ä"} {
		subject := eventSubject("p", name)
		if other, ok := seen[subject]; ok {
			t.Fatalf("%q and %q share subject %s", name, other, subject)
		}
		seen[subject] = name
	}
}

func TestNATSPublisher(t *testing.T) {
	url := runNATS(t)

	pub, err := NewNATSPublisher(url, "test.messages")
	require.NoError(t, err)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("test.messages.>", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	require.NoError(t, pub.Publish(&database.Message{
		ID: "7", Sender: "alice", Recipient: "helpdesk", Content: "printer jammed", CreatedAt: 1700000000000,
	}))
	require.NoError(t, pub.Publish(&database.Message{
		ID: "8", Sender: "helpdesk", Recipient: "a.b", Content: "on it", CreatedAt: 1700000000001,
	}))

	next := func() *nats.Msg {
		select {
		case m := <-received:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no event published")
			return nil
		}
	}

	m := next()
	assert.Equal(t, "test.messages.helpdesk", m.Subject)
	var ev messageEvent
	require.NoError(t, json.Unmarshal(m.Data, &ev))
	assert.Equal(t, messageEvent{ID: "7", Sender: "alice", Recipient: "helpdesk", Content: "printer jammed", CreatedAt: 1700000000000}, ev)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(m.Data, &raw))
	assert.Contains(t, raw, "created_at")

	m = next()
	assert.Equal(t, "test.messages.~612e62", m.Subject, "recipients with dots stay one token")

	require.NoError(t, pub.Close())
}

func TestNATSPublisherDefaultPrefix(t *testing.T) {
	pub, err := NewNATSPublisher(runNATS(t), "")
	require.NoError(t, err)
	defer pub.Close()
	assert.Equal(t, "supportline.messages", pub.prefix)
}

func TestNATSPublisherUnreachable(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "")
	assert.Error(t, err)
}
