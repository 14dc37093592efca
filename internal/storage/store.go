package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrWriteRejected           = errors.New("write rejected")
	ErrSubscriptionUnavailable = errors.New("change subscription unavailable")
	ErrFeedClosed              = errors.New("change subscription closed")
	ErrUserNotExist            = errors.New("user does not exist")
)

// MessageStore is a durable append-only log of chat messages plus the user lookup.
// Every call is a single attempt: implementations do not retry.
type MessageStore interface {
	// Insert durably appends m and returns its sequence position
	Insert(ctx context.Context, m ChatMessage) (Sequence, error)
	// Messages returns the whole history in store order
	Messages(ctx context.Context) ([]ChangeEvent, error)
	// QueryAfter returns messages with Datetime strictly greater than after, in store order
	QueryAfter(ctx context.Context, after time.Time) ([]ChangeEvent, error)
	// Since returns messages with a sequence position strictly greater than seq, in sequence order
	Since(ctx context.Context, seq Sequence) ([]ChangeEvent, error)
	// SubscribeInserts opens an independent live subscription on inserts
	SubscribeInserts(ctx context.Context) (Subscription, error)
	UserByName(ctx context.Context, name string) (User, error)
	UpsertUser(ctx context.Context, u User) error
	Close() error
}

// Subscription yields inserts committed after it was opened
type Subscription interface {
	// Start is the head sequence position at the moment the subscription opened
	Start() Sequence
	// Next blocks until the next insert commits.
	// A dropped subscription is reported with an error wrapping ErrFeedClosed.
	Next(ctx context.Context) (ChangeEvent, error)
	// Close releases the subscription, it can be called several times
	Close() error
}

// Classified reports whether err already carries one of the store error kinds
func Classified(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrWriteRejected) ||
		errors.Is(err, ErrSubscriptionUnavailable) ||
		errors.Is(err, ErrFeedClosed) ||
		errors.Is(err, ErrUserNotExist)
}
