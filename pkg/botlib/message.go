// Package botlib provides a small library for building Supportline bots.
// A bot is a regular account, usually an admin, driven by handlers instead
// of a person at a terminal.
package botlib

import (
	"strings"
	"time"

	"github.com/aeolun/supportline/pkg/protocol"
)

// Message is a message delivered to the bot.
type Message struct {
	protocol.Message
}

// Time returns when the message was persisted.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Contains reports whether the content contains s, ignoring case.
func (m *Message) Contains(s string) bool {
	return strings.Contains(strings.ToLower(m.Content), strings.ToLower(s))
}

// Command splits "!name args..." into the command name and its arguments.
// ok is false when the message is not a command.
func (m *Message) Command() (name string, args []string, ok bool) {
	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, "!") {
		return "", nil, false
	}
	fields := strings.Fields(content[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}
