// Package sqlite provides a SQLite-backed message and identity store with the same
// contract as the Postgres store in package storage.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
	"nexus-relay/internal/storage"
	"path/filepath"
	"strings"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password BLOB NOT NULL,
	avatar   TEXT NOT NULL DEFAULT '',
	bio      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	from_user  TEXT    NOT NULL,
	to_user    TEXT    NOT NULL,
	text       TEXT    NOT NULL DEFAULT '',
	media_ref  TEXT    NOT NULL DEFAULT '',
	file_name  TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	reactions  TEXT    NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS messages_from_to_idx ON messages (from_user, to_user);
CREATE INDEX IF NOT EXISTS messages_to_from_idx ON messages (to_user, from_user);
`

// Store persists identities and messages in SQLite
type Store struct {
	logger *zap.SugaredLogger
	db     *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (or creates) the database file at path and ensures the schema exists
func Open(logger *zap.SugaredLogger, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single writer connection keeps BEGIN IMMEDIATE transactions from failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Debugf("Opened sqlite store at %s", path)

	return &Store{logger: logger, db: db}, nil
}

// Close closes the SQLite handle
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Errorf("closing sqlite store: %v", err)
	}
}

// CreateUser inserts a new identity
func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	s.logger.Debugf("Creating user (%s)", u.Username)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password, avatar, bio) VALUES (?, ?, ?, ?)",
		u.Username, u.PasswordHash, u.Avatar, u.Bio)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}

	return nil
}

// UserByName returns the identity with the provided username
func (s *Store) UserByName(ctx context.Context, username string) (storage.User, error) {
	var u storage.User
	row := s.db.QueryRowContext(ctx, "SELECT username, password, avatar, bio FROM users WHERE username = ?", username)
	if err := row.Scan(&u.Username, &u.PasswordHash, &u.Avatar, &u.Bio); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrUserNotExist
		}
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpdateProfile replaces avatar and bio of the identity and returns the updated record
func (s *Store) UpdateProfile(ctx context.Context, username, avatar, bio string) (storage.User, error) {
	s.logger.Debugf("Updating profile of user (%s)", username)

	res, err := s.db.ExecContext(ctx, "UPDATE users SET avatar = ?, bio = ? WHERE username = ?", avatar, bio, username)
	if err != nil {
		return storage.User{}, fmt.Errorf("update profile: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.User{}, storage.ErrUserNotExist
	}
	return s.UserByName(ctx, username)
}

// SearchUsers returns up to storage.SearchLimit profiles whose username contains query, case-insensitive
func (s *Store) SearchUsers(ctx context.Context, query string) ([]storage.Profile, error) {
	s.logger.Debugf("Searching users by (%s)", query)

	rows, err := s.db.QueryContext(ctx,
		`SELECT username, avatar, bio
		   FROM users
		  WHERE username LIKE '%' || ? || '%' ESCAPE '\'
		  ORDER BY username
		  LIMIT ?`,
		storage.EscapeLike(query), storage.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	profiles := make([]storage.Profile, 0)
	for rows.Next() {
		var p storage.Profile
		if err := rows.Scan(&p.Username, &p.Avatar, &p.Bio); err != nil {
			return nil, fmt.Errorf("search users: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return profiles, nil
}

// CreateMessage persists the message and returns it with the id and timestamp assigned by the store
func (s *Store) CreateMessage(ctx context.Context, nm storage.NewMessage) (storage.Message, error) {
	s.logger.Debugf("Creating message from user (%s) to user (%s)", nm.From, nm.To)

	m := storage.Message{
		From:      nm.From,
		To:        nm.To,
		Text:      nm.Text,
		MediaRef:  nm.MediaRef,
		FileName:  nm.FileName,
		CreatedAt: fromMillis(toMillis(time.Now())),
		Reactions: storage.Reactions{},
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (from_user, to_user, text, media_ref, file_name, created_at, reactions)
		 VALUES (?, ?, ?, ?, ?, ?, '{}')`,
		m.From, m.To, m.Text, m.MediaRef, m.FileName, toMillis(m.CreatedAt))
	if err != nil {
		return storage.Message{}, fmt.Errorf("create message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return storage.Message{}, fmt.Errorf("create message: %w", err)
	}

	s.logger.Debugf("Created message with id %d", m.ID)

	return m, nil
}

// ToggleReaction flips membership of identity in the symbol set of the message reactions
// inside a single write transaction
func (s *Store) ToggleReaction(ctx context.Context, id int64, symbol, identity string) (storage.Message, error) {
	s.logger.Debugf("Toggling reaction (%s) of user (%s) on message (id: %d)", symbol, identity, id)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return storage.Message{}, fmt.Errorf("toggle reaction: %w", err)
	}
	defer conn.Close()

	// database/sql has no way to request BEGIN IMMEDIATE, so the write lock is taken by hand
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return storage.Message{}, fmt.Errorf("toggle reaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	m := storage.Message{ID: id}
	var createdAt int64
	var raw string
	row := conn.QueryRowContext(ctx,
		`SELECT from_user, to_user, text, media_ref, file_name, created_at, reactions
		   FROM messages WHERE id = ?`, id)
	if err := row.Scan(&m.From, &m.To, &m.Text, &m.MediaRef, &m.FileName, &createdAt, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrMessageNotExist
		}
		return storage.Message{}, fmt.Errorf("toggle reaction: %w", err)
	}
	m.CreatedAt = fromMillis(createdAt)

	current, err := storage.DecodeReactions([]byte(raw))
	if err != nil {
		return storage.Message{}, err
	}
	m.Reactions = current.Toggle(symbol, identity)

	encoded, err := storage.EncodeReactions(m.Reactions)
	if err != nil {
		return storage.Message{}, err
	}
	if _, err := conn.ExecContext(ctx, "UPDATE messages SET reactions = ? WHERE id = ?", string(encoded), id); err != nil {
		return storage.Message{}, fmt.Errorf("toggle reaction: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return storage.Message{}, fmt.Errorf("toggle reaction: %w", err)
	}
	committed = true

	return m, nil
}

// History returns all messages exchanged between a and b ordered by id (insertion order)
func (s *Store) History(ctx context.Context, a, b string) ([]storage.Message, error) {
	s.logger.Debugf("Retrieving history between users (%s) and (%s)", a, b)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_user, to_user, text, media_ref, file_name, created_at, reactions
		   FROM messages
		  WHERE (from_user = ?1 AND to_user = ?2) OR (from_user = ?2 AND to_user = ?1)
		  ORDER BY id ASC`, a, b)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	messages := make([]storage.Message, 0)
	for rows.Next() {
		var m storage.Message
		var createdAt int64
		var raw string
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Text, &m.MediaRef, &m.FileName, &createdAt, &raw); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		if m.Reactions, err = storage.DecodeReactions([]byte(raw)); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// Contacts returns distinct counterparts of every message the user sent or received,
// ordered by the first message exchanged with each of them
func (s *Store) Contacts(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, storage.ContactsSQL("?1"), username)
	if err != nil {
		return nil, fmt.Errorf("contacts: %w", err)
	}
	defer rows.Close()

	contacts := make([]string, 0)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("contacts: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts: %w", err)
	}
	return contacts, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
