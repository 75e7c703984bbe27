package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aeolun/supportline/pkg/database"
)

// Publisher fans persisted messages out to other systems. Failures never
// affect the send result.
type Publisher interface {
	Publish(msg *database.Message) error
	Close() error
}

type noopPublisher struct{}

func (noopPublisher) Publish(*database.Message) error { return nil }
func (noopPublisher) Close() error                    { return nil }

// messageEvent is the JSON document published per message.
type messageEvent struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// NATSPublisher publishes to "<prefix>.<recipient>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the given server URLs (comma-separated).
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = "supportline.messages"
	}

	nc, err := nats.Connect(url,
		nats.Name("supportline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Sugar().Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Sugar().Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(msg *database.Message) error {
	data, err := json.Marshal(messageEvent{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	return p.nc.Publish(eventSubject(p.prefix, msg.Recipient), data)
}

// Close flushes pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// eventSubject maps a username onto a single subject token. Names made of
// letters, digits, '-' and '_' are used as is; anything else is hex encoded
// behind a '~', which plain tokens never contain, so distinct usernames
// never share a subject.
func eventSubject(prefix, username string) string {
	plain := username != "" && strings.IndexFunc(username, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	}) < 0
	if plain {
		return prefix + "." + username
	}
	return prefix + ".~" + hex.EncodeToString([]byte(username))
}
