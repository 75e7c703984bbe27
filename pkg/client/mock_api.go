package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/supportline/pkg/protocol"
)

// MockAPI is an in-memory test implementation of HistoryClient. It keeps
// the messages it was given or sent and answers history from them.
type MockAPI struct {
	mu sync.RWMutex

	messages []protocol.Message
	presence []protocol.PresenceEntry
	nextID   int

	// Error injection
	historyErr  error
	sendErr     error
	presenceErr error

	SendCalls int
}

// NewMockAPI creates a mock seeded with msgs (assumed in creation order)
func NewMockAPI(msgs ...protocol.Message) *MockAPI {
	return &MockAPI{messages: append([]protocol.Message(nil), msgs...), nextID: 1000}
}

// History returns the stored messages involving username (and counterpart)
func (a *MockAPI) History(ctx context.Context, username, counterpart string, limit int) ([]protocol.Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.historyErr != nil {
		return nil, a.historyErr
	}

	var out []protocol.Message
	for _, m := range a.messages {
		if m.Sender != username && m.Recipient != username {
			continue
		}
		if counterpart != "" && m.Sender != counterpart && m.Recipient != counterpart {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Send stores a message with a fresh id
func (a *MockAPI) Send(ctx context.Context, sender, recipient, content string) (protocol.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.SendCalls++
	if a.sendErr != nil {
		return protocol.Message{}, a.sendErr
	}

	a.nextID++
	msg := protocol.Message{
		ID:        fmt.Sprintf("%d", a.nextID),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
	a.messages = append(a.messages, msg)
	return msg, nil
}

// Presence returns the configured presence table
func (a *MockAPI) Presence(ctx context.Context) ([]protocol.PresenceEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.presenceErr != nil {
		return nil, a.presenceErr
	}
	return append([]protocol.PresenceEntry(nil), a.presence...), nil
}

// Test helpers

// AddMessage stores a message as if another client persisted it
func (a *MockAPI) AddMessage(msg protocol.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

// SetPresence sets the presence table returned by Presence()
func (a *MockAPI) SetPresence(entries []protocol.PresenceEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presence = entries
}

// SetHistoryError sets an error to return from History()
func (a *MockAPI) SetHistoryError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.historyErr = err
}

// SetSendError sets an error to return from Send()
func (a *MockAPI) SetSendError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

// SetPresenceError sets an error to return from Presence()
func (a *MockAPI) SetPresenceError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presenceErr = err
}

var _ HistoryClient = (*MockAPI)(nil)
