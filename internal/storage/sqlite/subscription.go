package sqlite

import (
	"context"
	"fmt"
	"sync"

	"chatrelay/internal/storage"
)

type subscription struct {
	store  *Store
	start  storage.Sequence
	cursor storage.Sequence
	buf    []storage.ChangeEvent

	once sync.Once
	done chan struct{}
}

// SubscribeInserts opens a subscription positioned at the current head of the log
func (s *Store) SubscribeInserts(ctx context.Context) (storage.Subscription, error) {
	if s.isClosed() {
		return nil, storage.ErrSubscriptionUnavailable
	}
	head, err := s.head(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrSubscriptionUnavailable, err)
	}
	s.subscribers.Add(1)

	s.logger.Debugf("Opened subscription at sequence %d", head)

	return &subscription{
		store:  s,
		start:  head,
		cursor: head,
		done:   make(chan struct{}),
	}, nil
}

func (sub *subscription) Start() storage.Sequence {
	return sub.start
}

func (sub *subscription) Next(ctx context.Context) (storage.ChangeEvent, error) {
	for {
		if len(sub.buf) > 0 {
			ev := sub.buf[0]
			sub.buf = sub.buf[1:]
			sub.cursor = ev.Seq
			return ev, nil
		}

		select {
		case <-sub.done:
			return storage.ChangeEvent{}, fmt.Errorf("%w: subscription closed locally", storage.ErrFeedClosed)
		default:
		}

		// take the wake-up channel before reading so an insert between the read and the wait is not missed
		appended := sub.store.appended()
		events, err := sub.store.since(ctx, sub.cursor, subscriptionBatch)
		if err != nil {
			if ctx.Err() != nil {
				return storage.ChangeEvent{}, ctx.Err()
			}
			return storage.ChangeEvent{}, fmt.Errorf("%w: %v", storage.ErrFeedClosed, err)
		}
		if len(events) > 0 {
			sub.buf = events
			continue
		}

		select {
		case <-ctx.Done():
			return storage.ChangeEvent{}, ctx.Err()
		case <-sub.done:
			return storage.ChangeEvent{}, fmt.Errorf("%w: subscription closed locally", storage.ErrFeedClosed)
		case <-sub.store.closed:
			return storage.ChangeEvent{}, fmt.Errorf("%w: store closed", storage.ErrFeedClosed)
		case <-appended:
		}
	}
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		close(sub.done)
		sub.store.subscribers.Add(-1)
		sub.store.logger.Debugf("Closed subscription opened at sequence %d", sub.start)
	})
	return nil
}
