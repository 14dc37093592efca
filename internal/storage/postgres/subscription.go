package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/storage"

	"github.com/jackc/pgx/v4"
)

const subscriptionBatch = 256

// subscription owns one dedicated connection in LISTEN mode, dialed outside the pool
// so that listeners never starve inserts and queries.
// Next and Close must be called from the same goroutine.
type subscription struct {
	store  *Store
	conn   *pgx.Conn
	start  storage.Sequence
	cursor storage.Sequence
	buf    []storage.ChangeEvent
	closed bool
	once   sync.Once
}

// SubscribeInserts dials a dedicated connection, starts listening and records the current head id.
// Notifications only carry ids: rows are read by id, so coalesced or missed notifications cannot lose rows.
func (s *Store) SubscribeInserts(ctx context.Context) (storage.Subscription, error) {
	if s.closing.Err() != nil {
		return nil, fmt.Errorf("%w: store is closed", storage.ErrSubscriptionUnavailable)
	}

	conn, err := pgx.ConnectConfig(ctx, s.listenConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrSubscriptionUnavailable, classify(err))
	}

	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("%w: %w", storage.ErrSubscriptionUnavailable, classify(err))
	}

	var head int64
	if err := conn.QueryRow(ctx, "select coalesce(max(id), 0) from messages").Scan(&head); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("%w: %w", storage.ErrSubscriptionUnavailable, classify(err))
	}
	s.subscribers.Add(1)

	s.logger.Debugf("Listening on %s from id %d", notifyChannel, head)

	return &subscription{
		store:  s,
		conn:   conn,
		start:  storage.Sequence(head),
		cursor: storage.Sequence(head),
	}, nil
}

func (sub *subscription) Start() storage.Sequence {
	return sub.start
}

func (sub *subscription) Next(ctx context.Context) (storage.ChangeEvent, error) {
	// the wait also ends when the store is closed
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sub.store.closing, cancel)
	defer stop()

	for {
		if len(sub.buf) > 0 {
			ev := sub.buf[0]
			sub.buf = sub.buf[1:]
			sub.cursor = ev.Seq
			return ev, nil
		}
		if sub.closed {
			return storage.ChangeEvent{}, fmt.Errorf("%w: subscription closed locally", storage.ErrFeedClosed)
		}

		// LISTEN is already active, so anything committed after this read raises a notification
		events, err := collect(sub.conn.Query(waitCtx,
			`select id, username, message, datetime from messages where id > $1 order by id limit $2`,
			int64(sub.cursor), subscriptionBatch))
		if err != nil {
			return storage.ChangeEvent{}, sub.failed(ctx, err)
		}
		if len(events) > 0 {
			sub.buf = events
			continue
		}

		if _, err := sub.conn.WaitForNotification(waitCtx); err != nil {
			return storage.ChangeEvent{}, sub.failed(ctx, err)
		}
	}
}

// failed reports the caller's ctx error, or a dropped feed for anything else, store shutdown included
func (sub *subscription) failed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if sub.store.closing.Err() != nil {
		return fmt.Errorf("%w: store is closed", storage.ErrFeedClosed)
	}
	return fmt.Errorf("%w: %v", storage.ErrFeedClosed, err)
}

func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		sub.closed = true
		// closing the connection ends LISTEN, a cancelled wait has already closed it
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = sub.conn.Close(ctx)
		cancel()
		sub.store.subscribers.Add(-1)
		sub.store.logger.Debugf("Stopped listening on %s (started at id %d)", notifyChannel, sub.start)
	})
	return err
}
