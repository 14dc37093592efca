package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type insertEvent struct {
	FullDocument messageDocument `bson:"fullDocument"`
}

type subscription struct {
	store  *Store
	stream *mongo.ChangeStream
	start  storage.Sequence
	once   sync.Once
}

// SubscribeInserts opens a change stream filtered on insert operations
func (s *Store) SubscribeInserts(ctx context.Context) (storage.Subscription, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "insert"}}}},
	}
	stream, err := s.messages.Watch(ctx, pipeline)
	if err != nil {
		err = classify(err)
		if errors.Is(err, storage.ErrSubscriptionUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", storage.ErrSubscriptionUnavailable, err)
	}

	// read after the stream is open: anything newer than head arrives through the stream
	head, err := s.head(ctx)
	if err != nil {
		_ = stream.Close(context.Background())
		return nil, fmt.Errorf("%w: %w", storage.ErrSubscriptionUnavailable, err)
	}
	s.subscribers.Add(1)

	s.logger.Debugf("Watching %s from sequence %d", messagesCollection, head)

	return &subscription{store: s, stream: stream, start: storage.Sequence(head)}, nil
}

func (sub *subscription) Start() storage.Sequence {
	return sub.start
}

func (sub *subscription) Next(ctx context.Context) (storage.ChangeEvent, error) {
	if !sub.stream.Next(ctx) {
		if ctx.Err() != nil {
			return storage.ChangeEvent{}, ctx.Err()
		}
		err := sub.stream.Err()
		if err == nil {
			err = errors.New("change stream ended")
		}
		return storage.ChangeEvent{}, fmt.Errorf("%w: %v", storage.ErrFeedClosed, err)
	}

	var ev insertEvent
	if err := sub.stream.Decode(&ev); err != nil {
		return storage.ChangeEvent{}, fmt.Errorf("%w: decode change event: %v", storage.ErrFeedClosed, err)
	}
	return ev.FullDocument.event(), nil
}

func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = sub.stream.Close(ctx)
		sub.store.subscribers.Add(-1)
		sub.store.logger.Debugf("Closed change stream started at sequence %d", sub.start)
	})
	return err
}
