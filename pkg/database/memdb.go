package database

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemDB is an in-memory Store. Messages are held in creation order with a
// per-user index; nothing survives a restart.
type MemDB struct {
	mu sync.RWMutex

	users    map[string]*User
	messages []*Message

	// Indexes for fast lookups
	byUser map[string][]int // username -> positions in messages (ascending)

	snowflake *Snowflake
}

var _ Store = (*MemDB)(nil)

// NewMemDB creates an empty in-memory store
func NewMemDB() *MemDB {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return &MemDB{
		users:     make(map[string]*User),
		byUser:    make(map[string][]int),
		snowflake: NewSnowflake(epoch, 0),
	}
}

func (m *MemDB) Close() error {
	return nil
}

// CreateMessage appends a message. Snowflake IDs are generated under the
// lock so positions stay in ID order.
func (m *MemDB) CreateMessage(ctx context.Context, sender, recipient, content string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.snowflake.NextID()
	msg := &Message{
		ID:        formatID(id),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: m.snowflake.Timestamp(id),
	}

	pos := len(m.messages)
	m.messages = append(m.messages, msg)
	m.byUser[sender] = append(m.byUser[sender], pos)
	if recipient != sender {
		m.byUser[recipient] = append(m.byUser[recipient], pos)
	}

	out := *msg
	return &out, nil
}

func (m *MemDB) FindConversation(ctx context.Context, userA, userB string, page Page) ([]*Message, error) {
	return m.collect(ctx, userA, page, func(msg *Message) bool {
		return (msg.Sender == userA && msg.Recipient == userB) ||
			(msg.Sender == userB && msg.Recipient == userA)
	})
}

func (m *MemDB) FindAllFor(ctx context.Context, username string, page Page) ([]*Message, error) {
	return m.collect(ctx, username, page, func(*Message) bool { return true })
}

// collect walks the user's index newest-first so a page limit can stop early.
func (m *MemDB) collect(ctx context.Context, username string, page Page, match func(*Message) bool) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	positions := m.byUser[username]
	out := []*Message{}
	for i := len(positions) - 1; i >= 0; i-- {
		msg := m.messages[positions[i]]
		if page.Before > 0 && msg.CreatedAt >= page.Before {
			continue
		}
		if !match(msg) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if page.Limit > 0 && len(out) == page.Limit {
			break
		}
	}

	reverse(out)
	return out, nil
}

func (m *MemDB) ResolveUser(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (m *MemDB) UpsertUser(ctx context.Context, username string, role Role) error {
	if role != RoleAdmin && role != RoleUser {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if user, ok := m.users[username]; ok {
		user.Role = role
		return nil
	}
	m.users[username] = &User{Username: username, Role: role, CreatedAt: nowMillis()}
	return nil
}
