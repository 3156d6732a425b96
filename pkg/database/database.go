// Package database persists accounts and direct messages. SQLite is the default
// backend for both; messages can alternatively live in MongoDB.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrUserNotFound indicates no account matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already exists")
)

// DefaultHistoryLimit is used when ListConversation is called with limit <= 0.
const DefaultHistoryLimit = 100

// MessageStore is the persistence gateway the relay writes chat messages through.
type MessageStore interface {
	// StoreMessage durably records a message and returns it with its assigned
	// id and creation time.
	StoreMessage(ctx context.Context, sender, recipient, text string) (*Message, error)
	// ListConversation returns messages exchanged between two users, newest first.
	ListConversation(ctx context.Context, userA, userB string, limit int) ([]*Message, error)
	Close() error
}

// User represents an account record
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Message represents a stored direct message
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Text      string
	CreatedAt time.Time
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	snowflake *Snowflake
	logger    zerolog.Logger
}

var _ MessageStore = (*DB)(nil)

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path, applies pending migrations and
// returns a DB with separate read and write pools.
func Open(path string, logger zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows many readers alongside the single writer
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure read pool: %w", err)
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
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	if err := runMigrations(writeConn, path, logger); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(snowflakeEpoch, 0),
		logger:    logger,
	}, nil
}

// Close closes both connection pools
func (db *DB) Close() error {
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

// CreateUser registers a new account. Returns ErrUsernameTaken if the name is in use.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	id := db.snowflake.NextID()
	now := time.Now().UnixMilli()

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO User (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, id, username, passwordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &User{
		ID:           formatID(id),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.UnixMilli(now),
	}, nil
}

func (db *DB) scanUser(row *sql.Row) (*User, error) {
	var (
		u         User
		id        int64
		createdAt int64
	)
	if err := row.Scan(&id, &u.Username, &u.PasswordHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.ID = formatID(id)
	u.CreatedAt = time.UnixMilli(createdAt)
	return &u, nil
}

// GetUserByUsername looks up an account by its unique username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM User WHERE username = ?
	`, username))
}

// GetUser looks up an account by id
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return db.scanUser(db.conn.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM User WHERE id = ?
	`, n))
}

// StoreMessage implements MessageStore. The snowflake id doubles as the
// persistence order of the message.
func (db *DB) StoreMessage(ctx context.Context, sender, recipient, text string) (*Message, error) {
	start := time.Now()
	id := db.snowflake.NextID()
	now := time.Now().UnixMilli()

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Message (id, sender_id, recipient_id, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, sender, recipient, text, now)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	db.logger.Debug().Dur("took", time.Since(start)).Int64("message_id", id).Msg("DB: StoreMessage")

	return &Message{
		ID:        formatID(id),
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		CreatedAt: time.UnixMilli(now),
	}, nil
}

// ListConversation implements MessageStore
func (db *DB) ListConversation(ctx context.Context, userA, userB string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, text, created_at
		FROM Message
		WHERE (sender_id = ? AND recipient_id = ?)
		   OR (sender_id = ? AND recipient_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`, userA, userB, userB, userA, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			m         Message
			id        int64
			createdAt int64
		)
		if err := rows.Scan(&id, &m.Sender, &m.Recipient, &m.Text, &createdAt); err != nil {
			return nil, err
		}
		m.ID = formatID(id)
		m.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, &m)
	}

	return messages, rows.Err()
}
