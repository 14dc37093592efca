// Package gateway is the write and read side used by the HTTP handlers.
// It validates posts and otherwise delegates to the store.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type post struct {
	Username string `validate:"required"`
}

// Gateway validates and forwards message operations to a MessageStore
type Gateway struct {
	logger   *zap.SugaredLogger
	store    storage.MessageStore
	validate *validator.Validate
	now      func() time.Time
}

func New(logger *zap.SugaredLogger, store storage.MessageStore) *Gateway {
	return &Gateway{
		logger:   logger,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// PostMessage stores m and returns its sequence position.
// A zero Datetime is replaced by the current time and every datetime is cut to milliseconds.
func (g *Gateway) PostMessage(ctx context.Context, m storage.ChatMessage) (storage.Sequence, error) {
	if err := g.validate.Struct(post{Username: m.Username}); err != nil {
		return 0, fmt.Errorf("%w: %s", storage.ErrWriteRejected, describe(err))
	}
	if m.Datetime.IsZero() {
		m.Datetime = g.now()
	}
	m = m.Truncate()

	seq, err := g.store.Insert(ctx, m)
	if err != nil {
		return 0, err
	}
	g.logger.Debugf("Posted message %d from user (%s)", seq, m.Username)
	return seq, nil
}

// ListMessages returns the whole history, oldest first
func (g *Gateway) ListMessages(ctx context.Context) ([]storage.ChatMessage, error) {
	events, err := g.store.Messages(ctx)
	if err != nil {
		return nil, err
	}
	return messages(events), nil
}

// ListMessagesAfter returns messages with a datetime strictly after the given instant
func (g *Gateway) ListMessagesAfter(ctx context.Context, after time.Time) ([]storage.ChatMessage, error) {
	events, err := g.store.QueryAfter(ctx, after)
	if err != nil {
		return nil, err
	}
	return messages(events), nil
}

// User returns the named user or storage.ErrUserNotExist
func (g *Gateway) User(ctx context.Context, name string) (storage.User, error) {
	return g.store.UserByName(ctx, name)
}

func messages(events []storage.ChangeEvent) []storage.ChatMessage {
	return lo.Map(events, func(ev storage.ChangeEvent, _ int) storage.ChatMessage {
		return ev.Message
	})
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	return strings.Join(lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag())
	}), ", ")
}
