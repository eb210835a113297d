package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements both the message store and the identity directory on
// a single SQLite file. It is the alternative to the badger backend.
type SQLiteStore struct {
	mu    sync.Mutex
	db    *sql.DB
	log   *slog.Logger
	clock *Clock
	now   func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	name TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	sender TEXT NOT NULL,
	audience TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	pair_key TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_audience ON messages(audience, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(pair_key, created_at);
`

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string, log *slog.Logger, clock *Clock) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if clock == nil {
		clock = NewClock(nil)
	}
	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(created_at) FROM messages`).Scan(&last); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read last stamp: %w", err)
	}
	if last.Valid {
		clock.Observe(time.Unix(0, last.Int64))
	}

	return &SQLiteStore{db: db, log: log, clock: clock, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, message domain.Message) (domain.Message, error) {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	var pairKey sql.NullString
	if !message.IsPublic() {
		pairKey = sql.NullString{String: PairKey(message.Sender, message.Audience), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	message.CreatedAt = s.clock.Stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender, audience, body, created_at, pair_key) VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID.String(), message.Sender, message.Audience, message.Body,
		message.CreatedAt.UnixNano(), pairKey)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: append message: %v", errors.ErrStorage, err)
	}
	return message, nil
}

func (s *SQLiteStore) QueryPublic(ctx context.Context) iter.Seq2[domain.Message, error] {
	return s.query(ctx,
		`SELECT id, sender, audience, body, created_at FROM messages
		 WHERE audience = ? ORDER BY created_at ASC`, domain.PublicAudience)
}

func (s *SQLiteStore) QueryPrivate(ctx context.Context, userA, userB string) iter.Seq2[domain.Message, error] {
	return s.query(ctx,
		`SELECT id, sender, audience, body, created_at FROM messages
		 WHERE pair_key = ? ORDER BY created_at ASC`, PairKey(userA, userB))
}

func (s *SQLiteStore) RecentPublic(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	res, err := Collect(s.query(ctx,
		`SELECT id, sender, audience, body, created_at FROM messages
		 WHERE audience = ? ORDER BY created_at DESC LIMIT ?`, domain.PublicAudience, limit))
	if err != nil {
		return nil, err
	}
	slices.Reverse(res)
	return res, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count messages: %v", errors.ErrStorage, err)
	}
	return count, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(domain.Message{}, fmt.Errorf("%w: query messages: %v", errors.ErrStorage, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id        string
				createdAt int64
				message   domain.Message
			)
			if err := rows.Scan(&id, &message.Sender, &message.Audience, &message.Body, &createdAt); err != nil {
				yield(domain.Message{}, fmt.Errorf("%w: scan message: %v", errors.ErrStorage, err))
				return
			}
			if message.ID, err = uuid.Parse(id); err != nil {
				yield(domain.Message{}, fmt.Errorf("%w: message id %q: %v", errors.ErrStorage, id, err))
				return
			}
			message.CreatedAt = time.Unix(0, createdAt).UTC()
			if !yield(message, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Message{}, fmt.Errorf("%w: iterate messages: %v", errors.ErrStorage, err))
		}
	}
}

func (s *SQLiteStore) Register(ctx context.Context, name string) (domain.User, error) {
	user := domain.User{Name: name, CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, created_at) VALUES (?, ?)`, user.Name, user.CreatedAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return domain.User{}, fmt.Errorf("%w: %q", errors.ErrUserAlreadyExists, name)
		}
		return domain.User{}, fmt.Errorf("%w: register user: %v", errors.ErrStorage, err)
	}
	return user, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE name = ?`, name).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("%w: lookup user: %v", errors.ErrStorage, err)
	}
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %v", errors.ErrStorage, err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var (
			user      domain.User
			createdAt int64
		)
		if err := rows.Scan(&user.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan user: %v", errors.ErrStorage, err)
		}
		user.CreatedAt = time.Unix(0, createdAt).UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list users: %v", errors.ErrStorage, err)
	}
	return users, nil
}
