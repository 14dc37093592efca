package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/internal/storage"
	"chatrelay/internal/storage/sqlite"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func bootstrap(t *testing.T) (*Gateway, *sqlite.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	store, err := sqlite.New(context.Background(), logger, filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(logger, store), store
}

func TestPostMessage(t *testing.T) {
	t.Parallel()

	g, _ := bootstrap(t)
	ctx := context.Background()

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 123_456_789, time.FixedZone("CET", 3600))
	seq, err := g.PostMessage(ctx, storage.ChatMessage{Username: "u1", Message: "hello", Datetime: t0})
	require.NoError(t, err)
	require.Equal(t, storage.Sequence(1), seq)

	messages, err := g.ListMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, []storage.ChatMessage{{
		Username: "u1",
		Message:  "hello",
		Datetime: time.Date(2024, 3, 1, 9, 0, 0, 123_000_000, time.UTC),
	}}, messages)
}

func TestPostMessageDefaultsDatetime(t *testing.T) {
	t.Parallel()

	g, _ := bootstrap(t)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	_, err := g.PostMessage(context.Background(), storage.ChatMessage{Username: "u1", Message: "no time"})
	require.NoError(t, err)

	messages, err := g.ListMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, now, messages[0].Datetime)
}

func TestPostMessageRequiresUsername(t *testing.T) {
	t.Parallel()

	g, store := bootstrap(t)

	_, err := g.PostMessage(context.Background(), storage.ChatMessage{Message: "anonymous"})
	require.ErrorIs(t, err, storage.ErrWriteRejected)
	require.Contains(t, err.Error(), "username is required")

	events, err := store.Messages(context.Background())
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestListMessagesAfter(t *testing.T) {
	t.Parallel()

	g, _ := bootstrap(t)
	ctx := context.Background()

	old := storage.ChatMessage{Username: "u1", Message: "old", Datetime: time.Date(2005, 1, 1, 0, 0, 0, 0, time.UTC)}
	future := storage.ChatMessage{Username: "u1", Message: "future", Datetime: time.Date(2105, 1, 1, 0, 0, 0, 0, time.UTC)}
	_, err := g.PostMessage(ctx, old)
	require.NoError(t, err)
	_, err = g.PostMessage(ctx, future)
	require.NoError(t, err)

	messages, err := g.ListMessagesAfter(ctx, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, []storage.ChatMessage{future}, messages)
}

func TestUser(t *testing.T) {
	t.Parallel()

	g, store := bootstrap(t)
	ctx := context.Background()

	_, err := g.User(ctx, "Sample User")
	require.ErrorIs(t, err, storage.ErrUserNotExist)

	sample := storage.User{Name: "Sample User", LastLogin: time.UnixMilli(1_700_000_000_000).UTC()}
	require.NoError(t, store.UpsertUser(ctx, sample))

	u, err := g.User(ctx, "Sample User")
	require.NoError(t, err)
	require.Equal(t, sample, u)
}

func TestStoreErrorsPassThrough(t *testing.T) {
	t.Parallel()

	g, store := bootstrap(t)
	require.NoError(t, store.Close())

	_, err := g.PostMessage(context.Background(), storage.ChatMessage{Username: "u1"})
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)

	_, err = g.ListMessages(context.Background())
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
}
