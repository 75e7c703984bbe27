package client

import (
	"context"

	"github.com/aeolun/supportline/pkg/protocol"
)

// LiveConnection defines the live transport used by Chat.
// This allows for mocking in tests while the real Connection implements all these methods
type LiveConnection interface {
	// Connection management
	Connect() error
	Close()
	IsConnected() bool

	// Events
	Register(username string) error
	SendMessage(correlationID, recipient, content string) error

	// Channels for receiving data
	Incoming() <-chan *protocol.Frame
	Errors() <-chan error
	StateChanges() <-chan ConnectionStateUpdate
}

// HistoryClient defines the REST surface used by Chat.
type HistoryClient interface {
	History(ctx context.Context, username, counterpart string, limit int) ([]protocol.Message, error)
	Send(ctx context.Context, sender, recipient, content string) (protocol.Message, error)
	Presence(ctx context.Context) ([]protocol.PresenceEntry, error)
}

var (
	_ LiveConnection = (*Connection)(nil)
	_ HistoryClient  = (*API)(nil)
)
