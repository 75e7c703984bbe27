package protocol

import (
	"bytes"
	"errors"
	"io"
)

// ProtocolMessage interface - all live transport payloads implement this
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Message type constants (Client → Server)
const (
	TypeRegister    = 0x01
	TypeSendMessage = 0x02
)

// Message type constants (Server → Client)
const (
	TypeUserList       = 0x81
	TypeReceiveMessage = 0x82
	TypeMessageSent    = 0x83
	TypeError          = 0x91
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat   uint16 = 1000
	ErrCodeInvalidFrame    uint16 = 1002
	ErrCodeUnsupportedType uint16 = 1003

	// Registration errors (2xxx)
	ErrCodeNotRegistered     uint16 = 2000
	ErrCodeAlreadyRegistered uint16 = 2001

	// Authorization errors (3xxx)
	ErrCodePermissionDenied uint16 = 3000
	ErrCodeIdentityMismatch uint16 = 3001

	// Resource errors (4xxx)
	ErrCodeNotFound uint16 = 4000

	// Validation errors (6xxx)
	ErrCodeInvalidInput   uint16 = 6000
	ErrCodeMessageTooLong uint16 = 6001

	// Server errors (9xxx)
	ErrCodeInternalError uint16 = 9000
	ErrCodeDatabaseError uint16 = 9001
)

var ErrTrailingBytes = errors.New("unexpected trailing bytes in payload")

// TypeName returns a short name for logging.
func TypeName(t uint8) string {
	switch t {
	case TypeRegister:
		return "register"
	case TypeSendMessage:
		return "send_message"
	case TypeUserList:
		return "user_list"
	case TypeReceiveMessage:
		return "receive_message"
	case TypeMessageSent:
		return "message_sent"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is a persisted direct message as carried on the wire.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   string
	CreatedAt int64 // Unix milliseconds
}

func writeMessage(w io.Writer, m *Message) error {
	if err := WriteString(w, m.ID); err != nil {
		return err
	}
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.Recipient); err != nil {
		return err
	}
	if err := WriteString(w, m.Content); err != nil {
		return err
	}
	return WriteInt64(w, m.CreatedAt)
}

func readMessage(r io.Reader) (Message, error) {
	var m Message
	var err error
	if m.ID, err = ReadString(r); err != nil {
		return m, err
	}
	if m.Sender, err = ReadString(r); err != nil {
		return m, err
	}
	if m.Recipient, err = ReadString(r); err != nil {
		return m, err
	}
	if m.Content, err = ReadString(r); err != nil {
		return m, err
	}
	m.CreatedAt, err = ReadInt64(r)
	return m, err
}

func encodeWith(enc func(io.Writer) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := enc(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func finish(r *bytes.Reader) error {
	if r.Len() != 0 {
		return ErrTrailingBytes
	}
	return nil
}

// RegisterMessage (0x01) - bind this connection to a username
type RegisterMessage struct {
	Username string
}

func (m *RegisterMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Username)
}

func (m *RegisterMessage) Encode() ([]byte, error) {
	return encodeWith(m.EncodeTo)
}

func (m *RegisterMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Username = username
	return finish(buf)
}

// SendMessageMessage (0x02) - durable send from the registered identity.
// CorrelationID is chosen by the client and echoed in the acknowledgement.
type SendMessageMessage struct {
	CorrelationID string
	Recipient     string
	Content       string
}

func (m *SendMessageMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.CorrelationID); err != nil {
		return err
	}
	if err := WriteString(w, m.Recipient); err != nil {
		return err
	}
	return WriteString(w, m.Content)
}

func (m *SendMessageMessage) Encode() ([]byte, error) {
	return encodeWith(m.EncodeTo)
}

func (m *SendMessageMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.CorrelationID, err = ReadString(buf); err != nil {
		return err
	}
	if m.Recipient, err = ReadString(buf); err != nil {
		return err
	}
	if m.Content, err = ReadString(buf); err != nil {
		return err
	}
	return finish(buf)
}

// PresenceEntry is one row of the presence snapshot.
type PresenceEntry struct {
	Username string
	Active   bool
}

// UserListMessage (0x81) - full presence snapshot
type UserListMessage struct {
	Users []PresenceEntry
}

func (m *UserListMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, uint16(len(m.Users))); err != nil {
		return err
	}
	for _, u := range m.Users {
		if err := WriteString(w, u.Username); err != nil {
			return err
		}
		if err := WriteBool(w, u.Active); err != nil {
			return err
		}
	}
	return nil
}

func (m *UserListMessage) Encode() ([]byte, error) {
	return encodeWith(m.EncodeTo)
}

func (m *UserListMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}

	m.Users = make([]PresenceEntry, count)
	for i := range m.Users {
		username, err := ReadString(buf)
		if err != nil {
			return err
		}
		active, err := ReadBool(buf)
		if err != nil {
			return err
		}
		m.Users[i] = PresenceEntry{Username: username, Active: active}
	}
	return finish(buf)
}

// ReceiveMessageMessage (0x82) - live push of a persisted message to its recipient
type ReceiveMessageMessage struct {
	Message Message
}

func (m *ReceiveMessageMessage) EncodeTo(w io.Writer) error {
	return writeMessage(w, &m.Message)
}

func (m *ReceiveMessageMessage) Encode() ([]byte, error) {
	return encodeWith(m.EncodeTo)
}

func (m *ReceiveMessageMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	msg, err := readMessage(buf)
	if err != nil {
		return err
	}
	m.Message = msg
	return finish(buf)
}

// MessageSentMessage (0x83) - durable acknowledgement of a SEND_MESSAGE
type MessageSentMessage struct {
	CorrelationID string
	Message       Message
}

func (m *MessageSentMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.CorrelationID); err != nil {
		return err
	}
	return writeMessage(w, &m.Message)
}

func (m *MessageSentMessage) Encode() ([]byte, error) {
	return encodeWith(m.EncodeTo)
}

func (m *MessageSentMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	correlationID, err := ReadString(buf)
	if err != nil {
		return err
	}
	msg, err := readMessage(buf)
	if err != nil {
		return err
	}
	m.CorrelationID = correlationID
	m.Message = msg
	return finish(buf)
}

// ErrorMessage (0x91) - request failure. CorrelationID is set when the
// failed request was a SEND_MESSAGE.
type ErrorMessage struct {
	CorrelationID string
	ErrorCode     uint16
	Message       string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.CorrelationID); err != nil {
		return err
	}
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Encode() ([]byte, error) {
	return encodeWith(m.EncodeTo)
}

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.CorrelationID, err = ReadString(buf); err != nil {
		return err
	}
	if m.ErrorCode, err = ReadUint16(buf); err != nil {
		return err
	}
	if m.Message, err = ReadString(buf); err != nil {
		return err
	}
	return finish(buf)
}
