package client

import (
	"fmt"
	"sync"

	"github.com/aeolun/supportline/pkg/protocol"
)

// MockConnection is a test implementation of LiveConnection
type MockConnection struct {
	mu sync.RWMutex

	// State
	connected      bool
	closed         bool
	connectErr     error
	sendMessageErr error

	// Channels for communication
	incoming    chan *protocol.Frame
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Sent events for verification
	Registered   []string
	SentMessages []MockSentMessage
}

// MockSentMessage tracks messages sent via SendMessage
type MockSentMessage struct {
	CorrelationID string
	Recipient     string
	Content       string
}

// NewMockConnection creates a new mock connection
func NewMockConnection() *MockConnection {
	return &MockConnection{
		incoming:    make(chan *protocol.Frame, 100),
		errors:      make(chan error, 10),
		stateChange: make(chan ConnectionStateUpdate, 10),
	}
}

// Connect simulates connecting to the server
func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}

	m.connected = true
	return nil
}

// Disconnect simulates losing the connection
func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Close closes the mock connection
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.connected = false
	close(m.incoming)
	close(m.errors)
	close(m.stateChange)
}

// IsConnected returns the connection status
func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Register records the username
func (m *MockConnection) Register(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	m.Registered = append(m.Registered, username)
	return nil
}

// SendMessage records the message for verification
func (m *MockConnection) SendMessage(correlationID, recipient, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.sendMessageErr != nil {
		return m.sendMessageErr
	}

	m.SentMessages = append(m.SentMessages, MockSentMessage{
		CorrelationID: correlationID,
		Recipient:     recipient,
		Content:       content,
	})
	return nil
}

// Incoming returns the incoming frame channel
func (m *MockConnection) Incoming() <-chan *protocol.Frame {
	return m.incoming
}

// Errors returns the error channel
func (m *MockConnection) Errors() <-chan error {
	return m.errors
}

// StateChanges returns the state change channel
func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate {
	return m.stateChange
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendMessageError sets an error to return from SendMessage()
func (m *MockConnection) SetSendMessageError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendMessageErr = err
}

// SimulateIncoming encodes msg and delivers it as an incoming frame
func (m *MockConnection) SimulateIncoming(msgType uint8, msg protocol.ProtocolMessage) error {
	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		return err
	}
	m.incoming <- frame
	return nil
}

// SimulateError sends an error to the errors channel
func (m *MockConnection) SimulateError(err error) {
	m.errors <- err
}

// SimulateStateChange sends a state change to the stateChange channel
func (m *MockConnection) SimulateStateChange(state ConnectionStateUpdate) {
	m.stateChange <- state
}

// GetRegistered returns the usernames registered so far
func (m *MockConnection) GetRegistered() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Registered...)
}

// GetSentMessageCount returns the number of messages sent
func (m *MockConnection) GetSentMessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.SentMessages)
}

// GetLastSentMessage returns the last message sent, or error if none
func (m *MockConnection) GetLastSentMessage() (MockSentMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.SentMessages) == 0 {
		return MockSentMessage{}, fmt.Errorf("no messages sent")
	}

	return m.SentMessages[len(m.SentMessages)-1], nil
}

var _ LiveConnection = (*MockConnection)(nil)
