package storage

import (
	"context"
	"errors"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
	"nexus-relay/internal/storage/zapadapter"
	"strings"
	"time"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotExist    = errors.New("user does not exist")
	ErrMessageNotExist = errors.New("message does not exist")
)

// SearchLimit caps the number of profiles returned by SearchUsers
const SearchLimit = 20

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes all connections in the pool
func (s *Store) Close() {
	s.db.Close()
}

// CreateUser inserts a new identity
func (s *Store) CreateUser(ctx context.Context, u User) error {
	s.logger.Debugf("Creating user (%s)", u.Username)

	sql := "insert into users (username, password, avatar, bio) values ($1, $2, $3, $4)"
	_, err := s.db.Exec(ctx, sql, u.Username, u.PasswordHash, u.Avatar, u.Bio)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return ErrUserExists
			}
		}
		return err
	}

	s.logger.Debugf("Created user (%s)", u.Username)

	return nil
}

// UserByName returns the identity with the provided username
func (s *Store) UserByName(ctx context.Context, username string) (User, error) {
	var u User
	sql := "select username, password, avatar, bio from users where username = $1"
	err := s.db.QueryRow(ctx, sql, username).Scan(&u.Username, &u.PasswordHash, &u.Avatar, &u.Bio)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}

	return u, nil
}

// UpdateProfile replaces avatar and bio of the identity and returns the updated record
func (s *Store) UpdateProfile(ctx context.Context, username, avatar, bio string) (User, error) {
	s.logger.Debugf("Updating profile of user (%s)", username)

	var u User
	sql := `update users set avatar = $2, bio = $3 where username = $1
			returning username, password, avatar, bio`
	err := s.db.QueryRow(ctx, sql, username, avatar, bio).Scan(&u.Username, &u.PasswordHash, &u.Avatar, &u.Bio)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}

	return u, nil
}

// SearchUsers returns up to SearchLimit profiles whose username contains query, case-insensitive
func (s *Store) SearchUsers(ctx context.Context, query string) ([]Profile, error) {
	s.logger.Debugf("Searching users by (%s)", query)

	sql := `select username, avatar, bio
			  from users
			 where username ilike '%' || $1 || '%' escape '\'
			 order by username
			 limit $2`

	rows, err := s.db.Query(ctx, sql, EscapeLike(query), SearchLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]Profile, 0)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.Username, &p.Avatar, &p.Bio); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return profiles, nil
}

// CreateMessage persists the message and returns it with the id and timestamp assigned by the database
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	s.logger.Debugf("Creating message from user (%s) to user (%s)", nm.From, nm.To)

	m := Message{
		From:      nm.From,
		To:        nm.To,
		Text:      nm.Text,
		MediaRef:  nm.MediaRef,
		FileName:  nm.FileName,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Reactions: Reactions{},
	}

	sql := `insert into messages (from_user, to_user, text, media_ref, file_name, created_at, reactions)
			values ($1, $2, $3, $4, $5, $6, '{}') returning id`
	err := s.db.QueryRow(ctx, sql, m.From, m.To, m.Text, m.MediaRef, m.FileName, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return Message{}, err
	}

	s.logger.Debugf("Created message with id %d", m.ID)

	return m, nil
}

// ToggleReaction flips membership of identity in the symbol set of the message reactions.
// Load, flip and write happen in one transaction holding a row lock, so concurrent toggles on the
// same message are serialized by the database.
func (s *Store) ToggleReaction(ctx context.Context, id int64, symbol, identity string) (Message, error) {
	s.logger.Debugf("Toggling reaction (%s) of user (%s) on message (id: %d)", symbol, identity, id)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	m := Message{ID: id}
	var raw pgtype.JSONB
	sql := `select from_user, to_user, text, media_ref, file_name, created_at, reactions
			  from messages
			 where id = $1
			   for update`
	err = tx.QueryRow(ctx, sql, id).Scan(&m.From, &m.To, &m.Text, &m.MediaRef, &m.FileName, &m.CreatedAt, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}

	current, err := DecodeReactions(raw.Bytes)
	if err != nil {
		return Message{}, err
	}
	m.Reactions = current.Toggle(symbol, identity)

	encoded, err := EncodeReactions(m.Reactions)
	if err != nil {
		return Message{}, err
	}

	_, err = tx.Exec(ctx, "update messages set reactions = $1 where id = $2",
		pgtype.JSONB{Bytes: encoded, Status: pgtype.Present}, id)
	if err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return m, nil
}

// History returns all messages exchanged between a and b ordered by id (insertion order)
func (s *Store) History(ctx context.Context, a, b string) ([]Message, error) {
	s.logger.Debugf("Retrieving history between users (%s) and (%s)", a, b)

	sql := `select id, from_user, to_user, text, media_ref, file_name, created_at, reactions
			  from messages
			 where (from_user = $1 and to_user = $2)
				or (from_user = $2 and to_user = $1)
			 order by id asc`

	rows, err := s.db.Query(ctx, sql, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		var raw pgtype.JSONB
		err = rows.Scan(&m.ID, &m.From, &m.To, &m.Text, &m.MediaRef, &m.FileName, &m.CreatedAt, &raw)
		if err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		if m.Reactions, err = DecodeReactions(raw.Bytes); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// Contacts returns distinct counterparts of every message the user sent or received,
// ordered by the first message exchanged with each of them
func (s *Store) Contacts(ctx context.Context, username string) ([]string, error) {
	s.logger.Debugf("Retrieving contacts of user (%s)", username)

	rows, err := s.db.Query(ctx, ContactsSQL("$1"), username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := make([]string, 0)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return contacts, nil
}

// ContactsSQL is shared by both backends; p is the driver placeholder bound to the username
func ContactsSQL(p string) string {
	return `select counterpart
			  from (select case when from_user = ` + p + ` then to_user else from_user end as counterpart,
						   min(id) as first_id
					  from messages
					 where from_user = ` + p + ` or to_user = ` + p + `
					 group by counterpart) as c
			 order by first_id`
}

// EscapeLike escapes LIKE wildcards so query is matched literally, using backslash as escape character
func EscapeLike(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(query)
}
