package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPushBackpressure(t *testing.T) {
	sm := NewSessionManager(2)
	sess := sm.CreateSession(nil, "")

	assert.True(t, sess.Push([]byte{1}))
	assert.True(t, sess.Push([]byte{2}))
	// Queue full: the frame is dropped without blocking
	assert.False(t, sess.Push([]byte{3}))
	assert.Equal(t, uint64(1), sess.Dropped())

	assert.Equal(t, []byte{1}, <-sess.send)
	assert.True(t, sess.Push([]byte{4}))
}

func TestSessionPushAfterClose(t *testing.T) {
	sm := NewSessionManager(4)
	sess := sm.CreateSession(nil, "")

	require.True(t, sm.RemoveSession(sess.ID))
	assert.False(t, sm.RemoveSession(sess.ID), "second remove is a no-op")
	assert.False(t, sess.Push([]byte{1}))

	select {
	case <-sess.Done():
	default:
		t.Fatal("session should be closed")
	}
}

func TestSessionManagerTracking(t *testing.T) {
	sm := NewSessionManager(0)
	a := sm.CreateSession(nil, "alice")
	b := sm.CreateSession(nil, "")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, sm.Count())
	assert.Equal(t, "alice", a.Identity)
	assert.Equal(t, DefaultOutboundQueue, cap(a.send))

	got, ok := sm.GetSession(b.ID)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Len(t, sm.GetAllSessions(), 2)

	sm.CloseAll()
	assert.Equal(t, 0, sm.Count())
	assert.False(t, a.Push([]byte{1}))
}

func TestSessionUsername(t *testing.T) {
	sess := NewSessionManager(1).CreateSession(nil, "")
	assert.Empty(t, sess.Username())
	sess.setUsername("alice")
	assert.Equal(t, "alice", sess.Username())
}
