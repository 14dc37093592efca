// Package postgres implements storage.MessageStore on PostgreSQL.
// Inserts are serialized with a transaction-scoped advisory lock so that
// sequence order equals commit order, and announced with NOTIFY.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"chatrelay/internal/storage"
	"chatrelay/internal/storage/zapadapter"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

const (
	// notifyChannel is the LISTEN/NOTIFY channel carrying ids of inserted messages
	notifyChannel = "chat_messages"
	// insertLockKey is the advisory lock serializing inserts
	insertLockKey int64 = 0x636861746d7367
)

var _ storage.MessageStore = (*Store)(nil)

// Store defines fields used in db interaction processes.
// Listeners never take connections from db: each subscription dials its own from listenConfig.
type Store struct {
	logger       *zap.SugaredLogger
	db           *pgxpool.Pool
	listenConfig *pgx.ConnConfig
	subscribers  atomic.Int64

	// closing is cancelled by Close and ends every open subscription
	closing context.Context
	close   context.CancelFunc
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool, runs migrations and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg storage.Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewPgxLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn
	if cfg.ConnectTimeout > 0 {
		config.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	for _, opt := range opts {
		opt.apply(config)
	}
	return connect(ctx, logger, config)
}

func connect(ctx context.Context, logger *zap.SugaredLogger, config *pgxpool.Config) (*Store, error) {
	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}

	closing, cancel := context.WithCancel(context.Background())
	s := &Store{
		logger:       logger,
		db:           pool,
		listenConfig: config.ConnConfig.Copy(),
		closing:      closing,
		close:        cancel,
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Migrate runs the schema creation statements
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`create table if not exists messages (
			id       bigserial primary key,
			username text not null check (username <> ''),
			message  text not null,
			datetime timestamptz not null
		)`,
		`create index if not exists messages_datetime_idx on messages (datetime)`,
		`create table if not exists users (
			name       text primary key,
			last_login timestamptz
		)`,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	// error handling can be omitted for rollback according docs
	defer tx.Rollback(context.Background())

	for _, sql := range statements {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return classify(err)
		}
	}
	return tx.Commit(ctx)
}

// Close closes every pooled connection and ends open subscriptions
func (s *Store) Close() error {
	s.close()
	s.db.Close()
	return nil
}

// Subscribers returns the number of subscriptions that are not closed yet
func (s *Store) Subscribers() int {
	return int(s.subscribers.Load())
}

// Insert performs a locked insert-and-notify transaction and returns the new message id
func (s *Store) Insert(ctx context.Context, m storage.ChatMessage) (storage.Sequence, error) {
	s.logger.Debugf("Inserting message from user (%s)", m.Username)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback(context.Background())

	if _, err := tx.Exec(ctx, "select pg_advisory_xact_lock($1)", insertLockKey); err != nil {
		return 0, classify(err)
	}

	var id int64
	sql := "insert into messages (username, message, datetime) values ($1, $2, $3) returning id"
	if err := tx.QueryRow(ctx, sql, m.Username, m.Message, m.Datetime).Scan(&id); err != nil {
		return 0, classify(err)
	}

	// delivered to listeners only when the transaction commits
	if _, err := tx.Exec(ctx, "select pg_notify($1, $2)", notifyChannel, strconv.FormatInt(id, 10)); err != nil {
		return 0, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify(err)
	}

	s.logger.Debugf("Inserted message with id %d", id)

	return storage.Sequence(id), nil
}

// Messages returns the whole history ordered by id
func (s *Store) Messages(ctx context.Context) ([]storage.ChangeEvent, error) {
	s.logger.Debug("Retrieving all messages")
	return collect(s.db.Query(ctx, `select id, username, message, datetime from messages order by id`))
}

// QueryAfter returns messages with datetime strictly greater than after, ordered by id
func (s *Store) QueryAfter(ctx context.Context, after time.Time) ([]storage.ChangeEvent, error) {
	s.logger.Debugf("Retrieving messages after %s", storage.FormatDatetime(after))
	return collect(s.db.Query(ctx,
		`select id, username, message, datetime from messages where datetime > $1 order by id`, after))
}

// Since returns messages with id strictly greater than seq
func (s *Store) Since(ctx context.Context, seq storage.Sequence) ([]storage.ChangeEvent, error) {
	s.logger.Debugf("Retrieving messages since id %d", seq)
	return collect(s.db.Query(ctx,
		`select id, username, message, datetime from messages where id > $1 order by id`, int64(seq)))
}

func collect(rows pgx.Rows, err error) ([]storage.ChangeEvent, error) {
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []storage.ChangeEvent
	for rows.Next() {
		var (
			id int64
			ev storage.ChangeEvent
		)
		if err := rows.Scan(&id, &ev.Message.Username, &ev.Message.Message, &ev.Message.Datetime); err != nil {
			return nil, classify(err)
		}
		ev.Seq = storage.Sequence(id)
		ev.Message.Datetime = ev.Message.Datetime.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// UserByName returns the user with provided name or storage.ErrUserNotExist
func (s *Store) UserByName(ctx context.Context, name string) (storage.User, error) {
	s.logger.Debugf("Retrieving user (%s)", name)

	var (
		u         storage.User
		lastLogin pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, "select name, last_login from users where name = $1", name).Scan(&u.Name, &lastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.User{}, storage.ErrUserNotExist
		}
		return storage.User{}, classify(err)
	}
	if lastLogin.Status == pgtype.Present {
		u.LastLogin = lastLogin.Time.UTC()
	}
	return u, nil
}

// UpsertUser creates the user or replaces its last login
func (s *Store) UpsertUser(ctx context.Context, u storage.User) error {
	s.logger.Debugf("Upserting user (%s)", u.Name)

	lastLogin := pgtype.Timestamptz{Status: pgtype.Null}
	if !u.LastLogin.IsZero() {
		lastLogin = pgtype.Timestamptz{Time: u.LastLogin, Status: pgtype.Present}
	}
	sql := `insert into users (name, last_login) values ($1, $2)
			on conflict (name) do update set last_login = excluded.last_login`
	if _, err := s.db.Exec(ctx, sql, u.Name, &lastLogin); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps pgx errors onto the storage error kinds
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code), pgerrcode.IsDataException(pgErr.Code):
			return fmt.Errorf("%w: %v", storage.ErrWriteRejected, err)
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code):
			return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
		default:
			return err
		}
	}
	// the statement never reached the server: dial failure, closed pool, broken connection
	return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
}
