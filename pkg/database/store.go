package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUserNotFound indicates the username has no account.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidRole indicates a role outside admin/user.
	ErrInvalidRole = errors.New("invalid role")
)

// Role is the account type consulted by the routing policy.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ParseRole accepts "admin" or "user" (case-insensitive). Empty means user.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(RoleUser):
		return RoleUser, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// User represents an account as seen by the messaging core
type User struct {
	Username  string
	Role      Role
	CreatedAt int64 // Unix timestamp in milliseconds
}

// Message represents a persisted direct message
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// Page bounds a history query. The zero value returns everything.
// With Limit > 0 the newest Limit messages (older than Before when set)
// are returned, still in ascending order.
type Page struct {
	Limit  int
	Before int64
}

// Store is the durable message store plus the role oracle.
// All message lists are ordered by CreatedAt ascending, ties broken by ID.
type Store interface {
	CreateMessage(ctx context.Context, sender, recipient, content string) (*Message, error)
	FindConversation(ctx context.Context, userA, userB string, page Page) ([]*Message, error)
	FindAllFor(ctx context.Context, username string, page Page) ([]*Message, error)

	ResolveUser(ctx context.Context, username string) (*User, error)
	UpsertUser(ctx context.Context, username string, role Role) error

	Close() error
}

// reverse flips a newest-first page into ascending order in place.
func reverse(msgs []*Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
