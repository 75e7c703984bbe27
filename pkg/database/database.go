package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the SQLite-backed Store
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	snowflake *Snowflake
}

var _ Store = (*DB)(nil)

var pragmas = []struct {
	stmt string
	what string
}{
	// WAL allows multiple readers and one writer at the same time
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Open opens the SQLite database at the given path and initializes the
// schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	// Snowflake epoch: 2024-01-01, workerID 0
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes both connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS User (
	username TEXT PRIMARY KEY,
	role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'user')),
	created_at INTEGER NOT NULL
);

-- id is a Snowflake; its timestamp equals created_at
CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_pair ON Message(sender, recipient, created_at);
CREATE INDEX IF NOT EXISTS idx_message_recipient ON Message(recipient, created_at);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

// CreateMessage persists a message, assigning its ID and timestamp.
func (db *DB) CreateMessage(ctx context.Context, sender, recipient, content string) (*Message, error) {
	id := db.snowflake.NextID()
	msg := &Message{
		ID:        formatID(id),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: db.snowflake.Timestamp(id),
	}

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Message (id, sender, recipient, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, msg.Sender, msg.Recipient, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	return msg, nil
}

// FindConversation returns messages exchanged between userA and userB in
// either direction.
func (db *DB) FindConversation(ctx context.Context, userA, userB string, page Page) ([]*Message, error) {
	return db.listMessages(ctx,
		`((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))`,
		[]interface{}{userA, userB, userB, userA}, page)
}

// FindAllFor returns every message the user sent or received.
func (db *DB) FindAllFor(ctx context.Context, username string, page Page) ([]*Message, error) {
	return db.listMessages(ctx, `(sender = ? OR recipient = ?)`,
		[]interface{}{username, username}, page)
}

func (db *DB) listMessages(ctx context.Context, where string, args []interface{}, page Page) ([]*Message, error) {
	query := `
		SELECT id, sender, recipient, content, created_at
		FROM Message
		WHERE ` + where

	if page.Before > 0 {
		query += ` AND created_at < ?`
		args = append(args, page.Before)
	}

	newestFirst := page.Limit > 0
	if newestFirst {
		query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
		args = append(args, page.Limit)
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if newestFirst {
		reverse(msgs)
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	messages := []*Message{}

	for rows.Next() {
		var id int64
		msg := &Message{}
		if err := rows.Scan(&id, &msg.Sender, &msg.Recipient, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ID = formatID(id)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// ResolveUser returns the account for username or ErrUserNotFound.
func (db *DB) ResolveUser(ctx context.Context, username string) (*User, error) {
	var user User
	var role string
	err := db.conn.QueryRowContext(ctx, `
		SELECT username, role, created_at
		FROM User
		WHERE username = ?
	`, username).Scan(&user.Username, &role, &user.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	user.Role = Role(role)
	return &user, nil
}

// UpsertUser creates the account or updates its role.
func (db *DB) UpsertUser(ctx context.Context, username string, role Role) error {
	if role != RoleAdmin && role != RoleUser {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO User (username, role, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET role = excluded.role
	`, username, string(role), nowMillis())
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
