package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/supportline/pkg/database"
	"github.com/aeolun/supportline/pkg/protocol"
	"github.com/aeolun/supportline/pkg/server"
)

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := database.NewMemDB()
	require.NoError(t, server.SeedUsers(context.Background(), store, []database.User{
		{Username: "helpdesk", Role: database.RoleAdmin},
		{Username: "alice", Role: database.RoleUser},
		{Username: "bob", Role: database.RoleUser},
	}))

	cfg := server.DefaultConfig()
	cfg.PingInterval = time.Second
	srv, err := server.NewServer(store, cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return ts
}

func waitEvent(t *testing.T, chat *Chat, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-chat.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
			return Event{}
		}
	}
}

func TestAPIAgainstServer(t *testing.T) {
	ts := startTestServer(t)
	api := NewAPI(ts.URL+"/", "")
	ctx := context.Background()

	sent, err := api.Send(ctx, "alice", "helpdesk", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)

	_, err = api.Send(ctx, "alice", "bob", "hello")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
	assert.Equal(t, "authorization", apiErr.Kind)

	history, err := api.History(ctx, "alice", "helpdesk", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sent, history[0])

	presence, err := api.Presence(ctx)
	require.NoError(t, err)
	assert.Empty(t, presence)
}

func TestChatAgainstServer(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newChat := func(self, counterpart string) *Chat {
		conn, err := NewConnection(ts.URL, "")
		require.NoError(t, err)
		chat := NewChat(self, counterpart, conn, NewAPI(ts.URL, ""))
		require.NoError(t, chat.Start(ctx))
		t.Cleanup(chat.Close)
		go chat.Run(ctx)
		return chat
	}

	admin := newChat("helpdesk", "alice")
	waitEvent(t, admin, EventPresence)
	user := newChat("alice", "helpdesk")
	waitEvent(t, user, EventPresence)

	entry, err := user.Send(ctx, "is anyone there?")
	require.NoError(t, err)
	assert.True(t, entry.Pending)

	ack := waitEvent(t, user, EventAck)
	assert.Equal(t, entry.CorrelationID, ack.Entry.CorrelationID)

	got := waitEvent(t, admin, EventMessage)
	assert.True(t, got.InConversation)
	assert.Equal(t, ack.Message.ID, got.Message.ID)

	userView := user.Messages()
	require.Len(t, userView, 1)
	assert.False(t, userView[0].Pending)
	assert.Equal(t, ack.Message.ID, userView[0].Message.ID)

	// A refresh after the push keeps a single copy
	require.NoError(t, admin.Reload(ctx))
	assert.Len(t, admin.Messages(), 1)
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{in: "https://support.example.com/", want: "wss://support.example.com/ws"},
		{in: "ws://localhost:8080/ws", want: "ws://localhost:8080/ws"},
		{in: "localhost:8080", want: "ws://localhost:8080/ws"},
		{in: "https://example.com/chat", want: "wss://example.com/chat/ws"},
		{in: "", wantErr: true},
		{in: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := websocketURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectionSendWhileDisconnected(t *testing.T) {
	conn, err := NewConnection("http://127.0.0.1:1", "")
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	assert.Error(t, conn.Connect())
	assert.ErrorIs(t, conn.Register("alice"), ErrNotConnected)
	assert.ErrorIs(t, conn.SendMessage("c", "helpdesk", "hi"), ErrNotConnected)
	assert.Zero(t, conn.GetBytesSent())
	assert.Zero(t, conn.GetBytesReceived())
}

func TestConnectionCountsTraffic(t *testing.T) {
	ts := startTestServer(t)
	conn, err := NewConnection(ts.URL, "")
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect())
	require.NoError(t, conn.Register("alice"))

	select {
	case frame := <-conn.Incoming():
		assert.Equal(t, uint8(protocol.TypeUserList), frame.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no user_list after register")
	}
	assert.Positive(t, conn.GetBytesReceived())
	assert.Eventually(t, func() bool { return conn.GetBytesSent() > 0 }, time.Second, 10*time.Millisecond)
}
