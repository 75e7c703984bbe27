package botlib

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/protocol"
)

// Context provides methods for responding to messages.
// It is passed to message handlers.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Author returns the username of the message sender.
func (c *Context) Author() string {
	return c.message.Sender
}

// BotUsername returns the account the bot runs as.
func (c *Context) BotUsername() string {
	return c.bot.config.Username
}

// Reply sends content back to the message's sender.
func (c *Context) Reply(content string) error {
	_, err := c.bot.send(c.message.Sender, content)
	return err
}

// ReplyWithResult sends a reply and returns it as persisted.
func (c *Context) ReplyWithResult(content string) (*protocol.Message, error) {
	return c.bot.send(c.message.Sender, content)
}

// History fetches the conversation with the sender, oldest first.
func (c *Context) History(limit int) ([]protocol.Message, error) {
	return c.bot.history(c.message.Sender, limit)
}

// Log logs through the bot's logger, tagged with the sender.
func (c *Context) Log(msg string, fields ...zap.Field) {
	c.bot.logger.Info(msg, append(fields, zap.String("from", c.message.Sender))...)
}

func (c *Context) String() string {
	return fmt.Sprintf("Context{message=%s, from=%s}", c.message.ID, c.message.Sender)
}
