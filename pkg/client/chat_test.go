package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/supportline/pkg/protocol"
)

func frameFor(t *testing.T, msgType uint8, msg protocol.ProtocolMessage) *protocol.Frame {
	t.Helper()
	frame, err := protocol.NewFrame(msgType, msg)
	require.NoError(t, err)
	return frame
}

func newTestChat(t *testing.T, history ...protocol.Message) (*Chat, *MockConnection, *MockAPI) {
	t.Helper()
	conn := NewMockConnection()
	api := NewMockAPI(history...)
	chat := NewChat("alice", "helpdesk", conn, api)
	require.NoError(t, chat.Start(context.Background()))
	t.Cleanup(chat.Close)
	return chat, conn, api
}

func TestChatStartRegistersAndLoads(t *testing.T) {
	chat, conn, _ := newTestChat(t,
		msg("1", "alice", "helpdesk", 10),
		msg("2", "bob", "helpdesk", 11),
		msg("3", "helpdesk", "alice", 12),
	)

	assert.Equal(t, []string{"alice"}, conn.Registered)
	assert.Equal(t, []string{"1", "3"}, entryIDs(chat.Messages()))
}

func TestChatStartOffline(t *testing.T) {
	conn := NewMockConnection()
	conn.SetConnectError(errors.New("refused"))
	chat := NewChat("alice", "helpdesk", conn, NewMockAPI(msg("1", "alice", "helpdesk", 10)))

	require.NoError(t, chat.Start(context.Background()), "history still loads without a live connection")
	assert.Len(t, chat.Messages(), 1)
	assert.Empty(t, conn.Registered)
}

func TestChatSendLiveThenAck(t *testing.T) {
	chat, conn, api := newTestChat(t)

	entry, err := chat.Send(context.Background(), "printer jammed")
	require.NoError(t, err)
	assert.True(t, entry.Pending)
	assert.Equal(t, 0, api.SendCalls, "live path does not also write over REST")

	sent, err := conn.GetLastSentMessage()
	require.NoError(t, err)
	assert.Equal(t, entry.CorrelationID, sent.CorrelationID)
	assert.Equal(t, "helpdesk", sent.Recipient)

	persisted := protocol.Message{ID: "42", Sender: "alice", Recipient: "helpdesk", Content: "printer jammed", CreatedAt: 99}
	ev, ok := chat.HandleFrame(frameFor(t, protocol.TypeMessageSent, &protocol.MessageSentMessage{
		CorrelationID: entry.CorrelationID,
		Message:       persisted,
	}))
	require.True(t, ok)
	assert.Equal(t, EventAck, ev.Kind)

	entries := chat.Messages()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, "42", entries[0].Message.ID)
}

func TestChatSendLiveRejected(t *testing.T) {
	chat, conn, _ := newTestChat(t)

	entry, err := chat.Send(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, 1, conn.GetSentMessageCount())

	ev, ok := chat.HandleFrame(frameFor(t, protocol.TypeError, &protocol.ErrorMessage{
		CorrelationID: entry.CorrelationID,
		ErrorCode:     protocol.ErrCodePermissionDenied,
		Message:       "users can only message an admin",
	}))
	require.True(t, ok)
	assert.Equal(t, EventSendFailed, ev.Kind)
	assert.Equal(t, "hi", ev.Entry.Message.Content)

	var serverErr *ServerError
	require.ErrorAs(t, ev.Err, &serverErr)
	assert.Equal(t, protocol.ErrCodePermissionDenied, serverErr.Code)
	assert.Empty(t, chat.Messages())
}

func TestChatSendFallsBackToREST(t *testing.T) {
	chat, conn, api := newTestChat(t)
	conn.Disconnect()

	entry, err := chat.Send(context.Background(), "over rest")
	require.NoError(t, err)
	assert.False(t, entry.Pending)
	assert.NotEmpty(t, entry.Message.ID)
	assert.Equal(t, 1, api.SendCalls)
	assert.Equal(t, 0, conn.GetSentMessageCount())

	assert.Equal(t, []string{entry.Message.ID}, entryIDs(chat.Messages()))
}

func TestChatSendRESTFailure(t *testing.T) {
	chat, conn, api := newTestChat(t)
	conn.SetSendMessageError(ErrQueueFull)
	api.SetSendError(&APIError{Status: 403, Kind: "authorization", Message: "users can only message an admin"})

	_, err := chat.Send(context.Background(), "hi")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "authorization", apiErr.Kind)
	assert.Empty(t, chat.Messages(), "failed sends leave no echo behind")
}

func TestChatSendValidation(t *testing.T) {
	chat, conn, _ := newTestChat(t)
	_, err := chat.Send(context.Background(), "   ")
	assert.Error(t, err)

	admin := NewChat("helpdesk", "", conn, NewMockAPI())
	_, err = admin.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoCounterpart)
}

func TestChatReceiveDeduplicates(t *testing.T) {
	chat, _, _ := newTestChat(t, msg("1", "helpdesk", "alice", 10))

	push := frameFor(t, protocol.TypeReceiveMessage, &protocol.ReceiveMessageMessage{Message: msg("1", "helpdesk", "alice", 10)})
	_, ok := chat.HandleFrame(push)
	assert.False(t, ok, "already loaded")

	ev, ok := chat.HandleFrame(frameFor(t, protocol.TypeReceiveMessage, &protocol.ReceiveMessageMessage{
		Message: msg("2", "helpdesk", "alice", 20),
	}))
	require.True(t, ok)
	assert.Equal(t, EventMessage, ev.Kind)
	assert.True(t, ev.InConversation)

	// Messages for other conversations are reported but not merged
	ev, ok = chat.HandleFrame(frameFor(t, protocol.TypeReceiveMessage, &protocol.ReceiveMessageMessage{
		Message: msg("3", "ops", "alice", 30),
	}))
	require.True(t, ok)
	assert.False(t, ev.InConversation)

	assert.Equal(t, []string{"1", "2"}, entryIDs(chat.Messages()))
}

func TestChatPresence(t *testing.T) {
	chat, _, _ := newTestChat(t)
	users := []protocol.PresenceEntry{{Username: "alice", Active: true}, {Username: "helpdesk", Active: false}}

	ev, ok := chat.HandleFrame(frameFor(t, protocol.TypeUserList, &protocol.UserListMessage{Users: users}))
	require.True(t, ok)
	assert.Equal(t, EventPresence, ev.Kind)
	assert.Equal(t, users, chat.Presence())
}

func TestChatSwitchAndInbox(t *testing.T) {
	conn := NewMockConnection()
	api := NewMockAPI(
		msg("1", "alice", "helpdesk", 10),
		msg("2", "bob", "helpdesk", 11),
		msg("3", "helpdesk", "bob", 12),
	)
	chat := NewChat("helpdesk", "", conn, api)
	require.NoError(t, chat.Start(context.Background()))
	defer chat.Close()

	assert.Len(t, chat.Messages(), 3)

	inbox, err := chat.Inbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, inbox)

	require.NoError(t, chat.Switch(context.Background(), "bob"))
	assert.Equal(t, "bob", chat.Counterpart())
	assert.Equal(t, []string{"2", "3"}, entryIDs(chat.Messages()))
}

func TestChatRunReconnectReloads(t *testing.T) {
	chat, conn, api := newTestChat(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go chat.Run(ctx)

	// Missed while disconnected
	api.AddMessage(msg("9", "helpdesk", "alice", 90))
	conn.SimulateStateChange(ConnectionStateUpdate{State: StateTypeConnected})

	select {
	case ev := <-chat.Events():
		assert.Equal(t, EventConnection, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection event")
	}
	assert.Equal(t, []string{"alice", "alice"}, conn.GetRegistered())
	assert.Equal(t, []string{"9"}, entryIDs(chat.Messages()))

	require.NoError(t, conn.SimulateIncoming(protocol.TypeReceiveMessage, &protocol.ReceiveMessageMessage{
		Message: msg("10", "helpdesk", "alice", 100),
	}))
	select {
	case ev := <-chat.Events():
		assert.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, "10", ev.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message event")
	}
}

func TestChatReloadAfterReconnectKeepsOneCopy(t *testing.T) {
	chat, conn, api := newTestChat(t)

	entry, err := chat.Send(context.Background(), "printer jammed")
	require.NoError(t, err)
	require.True(t, entry.Pending)

	// Persisted, but the connection dropped before message_sent came back
	api.AddMessage(protocol.Message{ID: "42", Sender: "alice", Recipient: "helpdesk", Content: "printer jammed", CreatedAt: 1})
	conn.Disconnect()
	require.NoError(t, conn.Connect())
	require.NoError(t, chat.Reload(context.Background()))

	entries := chat.Messages()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, "42", entries[0].Message.ID)
}

func TestChatRunFailsUnconfirmedSendOnReconnect(t *testing.T) {
	chat, conn, api := newTestChat(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go chat.Run(ctx)

	lost, err := chat.Send(ctx, "never arrived")
	require.NoError(t, err)
	kept, err := chat.Send(ctx, "arrived")
	require.NoError(t, err)
	api.AddMessage(protocol.Message{ID: "42", Sender: "alice", Recipient: "helpdesk", Content: "arrived", CreatedAt: 1})

	conn.SimulateStateChange(ConnectionStateUpdate{State: StateTypeDisconnected})

	select {
	case ev := <-chat.Events():
		require.Equal(t, EventSendFailed, ev.Kind)
		assert.ErrorIs(t, ev.Err, ErrConnectionLost)
		assert.Equal(t, lost.CorrelationID, ev.Entry.CorrelationID)
		assert.NotEqual(t, kept.CorrelationID, ev.Entry.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no send failure")
	}
	select {
	case ev := <-chat.Events():
		assert.Equal(t, EventConnection, ev.Kind)
		assert.Equal(t, StateTypeDisconnected, ev.State.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection event")
	}
	assert.Equal(t, []string{"42"}, entryIDs(chat.Messages()))

	// Nothing left to fail once the connection is back
	conn.SimulateStateChange(ConnectionStateUpdate{State: StateTypeConnected})
	select {
	case ev := <-chat.Events():
		assert.Equal(t, EventConnection, ev.Kind)
		assert.Equal(t, StateTypeConnected, ev.State.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection event")
	}
}

func TestChatAnsweredSendIsNotFailedLater(t *testing.T) {
	chat, conn, _ := newTestChat(t)

	entry, err := chat.Send(context.Background(), "printer jammed")
	require.NoError(t, err)
	_, ok := chat.HandleFrame(frameFor(t, protocol.TypeError, &protocol.ErrorMessage{
		ErrorCode: protocol.ErrCodeNotFound, Message: "no such user", CorrelationID: entry.CorrelationID,
	}))
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go chat.Run(ctx)
	conn.SimulateStateChange(ConnectionStateUpdate{State: StateTypeConnected})

	select {
	case ev := <-chat.Events():
		assert.Equal(t, EventConnection, ev.Kind, "an answered send is not reported twice")
	case <-time.After(2 * time.Second):
		t.Fatal("no connection event")
	}
}
