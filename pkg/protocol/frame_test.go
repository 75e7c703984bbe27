package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{
			name:  "valid frame - empty payload",
			frame: Frame{Version: 1, Type: TypeRegister, Payload: []byte{}},
		},
		{
			name:  "valid frame - with payload",
			frame: Frame{Version: 1, Type: TypeRegister, Payload: []byte("alice")},
		},
		{
			name: "max payload size (1MB)",
			frame: Frame{
				Version: 1,
				Type:    TypeSendMessage,
				Flags:   FlagCompressed, // skip the compression attempt
				Payload: make([]byte, MaxFrameSize-3),
			},
		},
		{
			name: "oversized payload (should fail)",
			frame: Frame{
				Version: 1,
				Type:    TypeSendMessage,
				Flags:   FlagCompressed,
				Payload: make([]byte, MaxFrameSize),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)

			if tt.wantErr {
				assert.Equal(t, ErrFrameTooLarge, err)
				return
			}
			require.NoError(t, err)

			if tt.frame.Flags&FlagCompressed != 0 {
				// Pre-flagged payloads are not real LZ4 data, only check the header.
				length, err := ReadUint32(buf)
				require.NoError(t, err)
				assert.Equal(t, uint32(3+len(tt.frame.Payload)), length)
				return
			}

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("oversized frame", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, MaxFrameSize+1))

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrFrameTooLarge, err)
	})

	t.Run("invalid frame length (too small)", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 2))

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrInvalidFrameLength, err)
	})

	t.Run("incomplete header", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 3))
		require.NoError(t, WriteUint8(buf, 1))

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})

	t.Run("unknown version", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 3))
		buf.Write([]byte{ProtocolVersion + 1, TypeRegister, 0})

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrInvalidVersion, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 10))
		buf.Write([]byte{ProtocolVersion, TypeRegister, 0, 'a'})

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})
}

func TestEncodeFrameAutoCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("hello support "), 100)
	frame := &Frame{Version: ProtocolVersion, Type: TypeReceiveMessage, Payload: payload}

	buf := new(bytes.Buffer)
	require.NoError(t, EncodeFrame(buf, frame))
	assert.Less(t, buf.Len(), len(payload), "repetitive payload should be compressed on the wire")

	decoded, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), decoded.Flags&FlagCompressed)
	assert.Equal(t, payload, decoded.Payload)
}

func TestSmallPayloadNotCompressed(t *testing.T) {
	frame := &Frame{Version: ProtocolVersion, Type: TypeRegister, Payload: []byte("bob")}

	data, err := EncodeMessage(TypeRegister, &RegisterMessage{Username: "bob"})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), data[6]&FlagCompressed)

	buf := new(bytes.Buffer)
	require.NoError(t, EncodeFrame(buf, frame))
	assert.Equal(t, 4+3+3, buf.Len())
}

func TestDecompressPayloadErrors(t *testing.T) {
	_, err := DecompressPayload([]byte{1, 2})
	assert.Equal(t, ErrInvalidCompressedLen, err)

	tooBig := []byte{0xff, 0xff, 0xff, 0xff, 0}
	_, err = DecompressPayload(tooBig)
	assert.Equal(t, ErrFrameTooLarge, err)

	garbage := []byte{0, 0, 0, 10, 0xff, 0xff}
	_, err = DecompressPayload(garbage)
	assert.Equal(t, ErrDecompressionFailed, err)
}

func TestMessagesDecodeRejectsTrailingBytes(t *testing.T) {
	payload, err := (&RegisterMessage{Username: "alice"}).Encode()
	require.NoError(t, err)

	var msg RegisterMessage
	assert.Equal(t, ErrTrailingBytes, msg.Decode(append(payload, 0x00)))
}

func TestMessagesDecodeTruncated(t *testing.T) {
	payload, err := (&MessageSentMessage{
		CorrelationID: "c-1",
		Message:       Message{ID: "42", Sender: "alice", Recipient: "admin", Content: "hi", CreatedAt: 1700000000000},
	}).Encode()
	require.NoError(t, err)

	for i := 0; i < len(payload); i++ {
		var msg MessageSentMessage
		assert.Error(t, msg.Decode(payload[:i]), "prefix of length %d should fail", i)
	}
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "register", TypeName(TypeRegister))
	assert.Equal(t, "send_message", TypeName(TypeSendMessage))
	assert.Equal(t, "user_list", TypeName(TypeUserList))
	assert.Equal(t, "receive_message", TypeName(TypeReceiveMessage))
	assert.Equal(t, "message_sent", TypeName(TypeMessageSent))
	assert.Equal(t, "error", TypeName(TypeError))
	assert.Equal(t, "unknown", TypeName(0x7f))
}
