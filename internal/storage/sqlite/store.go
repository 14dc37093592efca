// Package sqlite implements storage.MessageStore on an embedded SQLite database.
// The change feed is an in-process wake-up signal, so subscriptions only see
// inserts made through the same Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/storage"

	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	sqliteBusyCode       = 5
	sqliteIOErrCode      = 10
	sqliteCantOpenCode   = 14
	defaultBusyTimeout   = 5000

	subscriptionBatch = 256
)

var _ storage.MessageStore = (*Store)(nil)

// Store defines fields used in SQLite interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *sql.DB

	mu     sync.Mutex
	notify chan struct{}

	subscribers atomic.Int64
	closeOnce   sync.Once
	closed      chan struct{}
}

// New opens the database at path, runs migrations and returns a ready Store. Call Close when done.
func New(ctx context.Context, logger *zap.SugaredLogger, path string) (*Store, error) {
	if path == "" {
		path = "chatrelay.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers, which makes rowid order the commit order
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}

	s := &Store{
		logger: logger,
		db:     db,
		notify: make(chan struct{}),
		closed: make(chan struct{}),
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL CHECK (username <> ''),
			message TEXT NOT NULL,
			datetime_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_datetime_idx ON messages (datetime_ms);`,
		`CREATE TABLE IF NOT EXISTS users (
			name TEXT PRIMARY KEY,
			last_login_ms INTEGER
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close releases the database handle and ends every open subscription
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.db.Close()
	})
	return err
}

// Subscribers returns the number of subscriptions that are not closed yet
func (s *Store) Subscribers() int {
	return int(s.subscribers.Load())
}

func (s *Store) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Insert appends message and wakes every subscription up
func (s *Store) Insert(ctx context.Context, m storage.ChatMessage) (storage.Sequence, error) {
	if s.isClosed() {
		return 0, storage.ErrStoreUnavailable
	}
	s.logger.Debugf("Inserting message from user (%s)", m.Username)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (username, message, datetime_ms) VALUES (?, ?, ?)`,
		m.Username, m.Message, m.Datetime.UnixMilli())
	if err != nil {
		return 0, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify(err)
	}
	s.broadcast()

	s.logger.Debugf("Inserted message with sequence %d", id)

	return storage.Sequence(id), nil
}

func (s *Store) broadcast() {
	s.mu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// appended returns a channel closed by the next Insert
func (s *Store) appended() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// Messages returns all messages ordered by sequence
func (s *Store) Messages(ctx context.Context) ([]storage.ChangeEvent, error) {
	s.logger.Debug("Retrieving all messages")
	return s.query(ctx, `SELECT id, username, message, datetime_ms FROM messages ORDER BY id`)
}

// QueryAfter returns messages with datetime strictly greater than after
func (s *Store) QueryAfter(ctx context.Context, after time.Time) ([]storage.ChangeEvent, error) {
	s.logger.Debugf("Retrieving messages after %s", storage.FormatDatetime(after))
	return s.query(ctx,
		`SELECT id, username, message, datetime_ms FROM messages WHERE datetime_ms > ? ORDER BY id`,
		after.UnixMilli())
}

// Since returns messages with sequence strictly greater than seq
func (s *Store) Since(ctx context.Context, seq storage.Sequence) ([]storage.ChangeEvent, error) {
	s.logger.Debugf("Retrieving messages since sequence %d", seq)
	return s.since(ctx, seq, -1)
}

func (s *Store) since(ctx context.Context, seq storage.Sequence, limit int) ([]storage.ChangeEvent, error) {
	return s.query(ctx,
		`SELECT id, username, message, datetime_ms FROM messages WHERE id > ? ORDER BY id LIMIT ?`,
		int64(seq), limit)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]storage.ChangeEvent, error) {
	if s.isClosed() {
		return nil, storage.ErrStoreUnavailable
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []storage.ChangeEvent
	for rows.Next() {
		var (
			ev storage.ChangeEvent
			ms int64
		)
		if err := rows.Scan(&ev.Seq, &ev.Message.Username, &ev.Message.Message, &ms); err != nil {
			return nil, classify(err)
		}
		ev.Message.Datetime = time.UnixMilli(ms).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	s.logger.Debugf("Retrieved %d messages", len(events))

	return events, nil
}

func (s *Store) head(ctx context.Context) (storage.Sequence, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	return storage.Sequence(id), nil
}

// UserByName returns the user with provided name or storage.ErrUserNotExist
func (s *Store) UserByName(ctx context.Context, name string) (storage.User, error) {
	if s.isClosed() {
		return storage.User{}, storage.ErrStoreUnavailable
	}
	s.logger.Debugf("Retrieving user (%s)", name)

	var (
		u  storage.User
		ms sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT name, last_login_ms FROM users WHERE name = ?`, name).Scan(&u.Name, &ms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrUserNotExist
		}
		return storage.User{}, classify(err)
	}
	if ms.Valid {
		u.LastLogin = time.UnixMilli(ms.Int64).UTC()
	}
	return u, nil
}

// UpsertUser creates the user or replaces its last login
func (s *Store) UpsertUser(ctx context.Context, u storage.User) error {
	if s.isClosed() {
		return storage.ErrStoreUnavailable
	}
	s.logger.Debugf("Upserting user (%s)", u.Name)

	var lastLogin sql.NullInt64
	if !u.LastLogin.IsZero() {
		lastLogin = sql.NullInt64{Int64: u.LastLogin.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, last_login_ms) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET last_login_ms = excluded.last_login_ms`,
		u.Name, lastLogin)
	if err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqliteConstraintCode:
			return fmt.Errorf("%w: %v", storage.ErrWriteRejected, err)
		case sqliteBusyCode, sqliteIOErrCode, sqliteCantOpenCode:
			return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
		}
	}
	return err
}
