package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/feed"
	"chatrelay/internal/storage"
	"chatrelay/internal/storage/sqlite"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 5 * time.Second

type fakeTransport struct {
	frames chan storage.ChangeEvent
	// stallAfter frames are accepted, then Send hangs until its context is done. Negative means never.
	stallAfter int
	sent       int

	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newFakeTransport(block bool) *fakeTransport {
	if block {
		return newStallingTransport(0)
	}
	return newStallingTransport(-1)
}

func newStallingTransport(after int) *fakeTransport {
	return &fakeTransport{
		frames:     make(chan storage.ChangeEvent, 64),
		stallAfter: after,
		done:       make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, ev storage.ChangeEvent) error {
	if f.stallAfter >= 0 && f.sent >= f.stallAfter {
		<-ctx.Done()
		return ctx.Err()
	}
	f.sent++
	select {
	case f.frames <- ev:
		return nil
	case <-f.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	f.disconnect()
	return nil
}

func (f *fakeTransport) disconnect() {
	f.once.Do(func() { close(f.done) })
}

func (f *fakeTransport) next(t *testing.T) storage.ChangeEvent {
	t.Helper()
	select {
	case ev := <-f.frames:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no frame received")
		return storage.ChangeEvent{}
	}
}

// droppingStore hands every opened subscription to the test so it can be dropped
type droppingStore struct {
	storage.MessageStore
	subs chan storage.Subscription
}

func (d *droppingStore) SubscribeInserts(ctx context.Context) (storage.Subscription, error) {
	sub, err := d.MessageStore.SubscribeInserts(ctx)
	if err == nil {
		d.subs <- sub
	}
	return sub, err
}

// failingStore hands out subscriptions whose Next always fails with err
type failingStore struct {
	storage.MessageStore
	err error
}

type failingSubscription struct {
	storage.Subscription
	err error
}

func (f failingStore) SubscribeInserts(ctx context.Context) (storage.Subscription, error) {
	sub, err := f.MessageStore.SubscribeInserts(ctx)
	if err != nil {
		return nil, err
	}
	return failingSubscription{Subscription: sub, err: f.err}, nil
}

func (s failingSubscription) Next(context.Context) (storage.ChangeEvent, error) {
	return storage.ChangeEvent{}, s.err
}

type fixture struct {
	relay   *Relay
	adapter *feed.Adapter
	store   *sqlite.Store
}

func bootstrap(t *testing.T, cfg Config) fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	store, err := sqlite.New(context.Background(), logger, filepath.Join(t.TempDir(), "stream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	adapter := feed.NewAdapter(logger, store, cfg.DedupWindow)
	return fixture{
		relay:   NewRelay(logger, adapter, cfg),
		adapter: adapter,
		store:   store,
	}
}

func serve(r *Relay, s *Session) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(context.Background(), s) }()
	return errc
}

func result(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not end")
		return nil
	}
}

func insert(t *testing.T, store storage.MessageStore, username, text string, at time.Time) storage.ChangeEvent {
	t.Helper()
	m := storage.ChatMessage{Username: username, Message: text, Datetime: at}.Truncate()
	seq, err := store.Insert(context.Background(), m)
	require.NoError(t, err)
	return storage.ChangeEvent{Seq: seq, Message: m}
}

func subscribed(t *testing.T, store *sqlite.Store, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return store.Subscribers() == n }, waitFor, 5*time.Millisecond)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "opening", Opening.String())
	require.Equal(t, "live", Live.String())
	require.Equal(t, "closed", Closed.String())
	require.Equal(t, "unknown", State(42).String())
}

func TestWelcomeFirstThenLive(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, DefaultConfig())
	tr := newFakeTransport(false)
	s := NewSession(tr, Options{})
	require.Equal(t, Opening, s.State())
	errc := serve(f.relay, s)

	welcome := tr.next(t)
	require.Equal(t, WelcomeUsername, welcome.Message.Username)
	require.Equal(t, WelcomeText, welcome.Message.Message)
	require.Zero(t, welcome.Seq)

	subscribed(t, f.store, 1)
	require.Equal(t, Live, s.State())

	want := insert(t, f.store, "u2", "hi", time.Now())
	require.Equal(t, want, tr.next(t))
	require.Equal(t, want.Seq, s.Cursor())

	tr.disconnect()
	require.NoError(t, result(t, errc))
}

func TestWelcomeFirstWhenFeedUnavailable(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, DefaultConfig())
	require.NoError(t, f.store.Close())

	tr := newFakeTransport(false)
	s := NewSession(tr, Options{})
	errc := serve(f.relay, s)

	require.Equal(t, WelcomeUsername, tr.next(t).Message.Username)

	err := result(t, errc)
	require.ErrorIs(t, err, feed.ErrFeedUnavailable)
	require.Equal(t, Closed, s.State())
	require.True(t, tr.closed.Load())
	require.Equal(t, uint64(1), f.relay.Metrics().Snapshot().FeedFailures)
}

func TestOtherSessionErrorsAreNotFeedFailures(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, DefaultConfig())

	logger := zaptest.NewLogger(t).Sugar()
	broken := errors.New("cannot decode row")
	relay := NewRelay(logger, feed.NewAdapter(logger, failingStore{MessageStore: f.store, err: broken}, 0), DefaultConfig())

	tr := newFakeTransport(false)
	errc := serve(relay, NewSession(tr, Options{}))
	tr.next(t)

	require.ErrorIs(t, result(t, errc), broken)
	require.Equal(t, uint64(0), relay.Metrics().Snapshot().FeedFailures)
	require.Equal(t, 0, f.store.Subscribers())
}

func TestBacklogMatchesQueryAfter(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, DefaultConfig())

	t0 := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		insert(t, f.store, "u1", "backlog", t0.Add(time.Duration(i)*time.Second))
	}
	want, err := f.store.QueryAfter(context.Background(), t0)
	require.NoError(t, err)

	tr := newFakeTransport(false)
	errc := serve(f.relay, NewSession(tr, Options{CatchUp: true, After: t0}))

	require.Equal(t, WelcomeUsername, tr.next(t).Message.Username)
	var got []storage.ChangeEvent
	for range want {
		got = append(got, tr.next(t))
	}
	require.Equal(t, want, got)

	live := insert(t, f.store, "u2", "live", time.Now())
	require.Equal(t, live, tr.next(t))

	tr.disconnect()
	require.NoError(t, result(t, errc))
}

func TestBlockedSessionDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, DefaultConfig())

	blocked := newFakeTransport(true)
	blockedSession := NewSession(blocked, Options{})
	blockedErr := serve(f.relay, blockedSession)

	healthy := newFakeTransport(false)
	healthyErr := serve(f.relay, NewSession(healthy, Options{}))
	require.Equal(t, WelcomeUsername, healthy.next(t).Message.Username)

	// the blocked session is still stuck in its welcome write and holds no subscription
	subscribed(t, f.store, 1)

	for _, text := range []string{"one", "two", "three"} {
		want := insert(t, f.store, "u1", text, time.Now())
		require.Equal(t, want, healthy.next(t))
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.relay.Shutdown(ctx))

	require.NoError(t, result(t, blockedErr))
	require.NoError(t, result(t, healthyErr))
	require.Equal(t, Closed, blockedSession.State())
	require.Equal(t, 0, f.store.Subscribers())
	require.Equal(t, 0, f.relay.Active())
}

func TestStalledLiveSessionDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.WriteTimeout = time.Minute
	f := bootstrap(t, cfg)

	// takes the welcome, then hangs on its first live frame while staying subscribed
	stalled := newStallingTransport(1)
	stalledSession := NewSession(stalled, Options{})
	stalledErr := serve(f.relay, stalledSession)
	require.Equal(t, WelcomeUsername, stalled.next(t).Message.Username)

	healthy := newFakeTransport(false)
	healthyErr := serve(f.relay, NewSession(healthy, Options{}))
	require.Equal(t, WelcomeUsername, healthy.next(t).Message.Username)

	subscribed(t, f.store, 2)
	require.Equal(t, Live, stalledSession.State())

	var want, got []storage.ChangeEvent
	for i := 0; i < 10; i++ {
		want = append(want, insert(t, f.store, "u1", fmt.Sprintf("message %d", i), time.Now()))
	}
	for range want {
		got = append(got, healthy.next(t))
	}
	require.Equal(t, want, got)
	require.Equal(t, 2, f.store.Subscribers())
	require.Equal(t, Live, stalledSession.State())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.relay.Shutdown(ctx))

	require.NoError(t, result(t, stalledErr))
	require.NoError(t, result(t, healthyErr))
	require.Equal(t, 0, f.store.Subscribers())
}

func TestSlowClientDisconnected(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.WriteTimeout = 50 * time.Millisecond
	f := bootstrap(t, cfg)

	tr := newFakeTransport(true)
	s := NewSession(tr, Options{})
	errc := serve(f.relay, s)

	subscribed(t, f.store, 1)
	insert(t, f.store, "u1", "never read", time.Now())

	require.NoError(t, result(t, errc))
	require.Equal(t, Closed, s.State())
	require.True(t, tr.closed.Load())
	require.Equal(t, 0, f.store.Subscribers())
}

func TestDisconnectReleasesFeed(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, DefaultConfig())

	tr := newFakeTransport(false)
	s := NewSession(tr, Options{})
	errc := serve(f.relay, s)
	tr.next(t)

	subscribed(t, f.store, 1)
	m := insert(t, f.store, "u1", "mid-feed", time.Now())
	require.Equal(t, m, tr.next(t))
	require.Equal(t, 1, f.relay.Active())

	tr.disconnect()
	require.NoError(t, result(t, errc))

	require.Equal(t, Closed, s.State())
	require.Equal(t, 0, f.store.Subscribers())
	require.Equal(t, 0, f.adapter.Handles())
	require.Equal(t, 0, f.relay.Active())
}

func TestResumeAfterFeedDrop(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ResumeBackoff = 10 * time.Millisecond
	f := bootstrap(t, cfg)

	logger := zaptest.NewLogger(t).Sugar()
	dropping := &droppingStore{MessageStore: f.store, subs: make(chan storage.Subscription, 8)}
	relay := NewRelay(logger, feed.NewAdapter(logger, dropping, 0), cfg)

	tr := newFakeTransport(false)
	errc := serve(relay, NewSession(tr, Options{}))
	tr.next(t)

	first := <-dropping.subs
	require.NoError(t, first.Close())
	missed := insert(t, f.store, "u1", "during the drop", time.Now())

	select {
	case <-dropping.subs:
	case <-time.After(waitFor):
		t.Fatal("feed was not resumed")
	}
	live := insert(t, f.store, "u1", "after the drop", time.Now())

	require.Equal(t, missed, tr.next(t))
	require.Equal(t, live, tr.next(t))
	require.Equal(t, uint64(1), relay.Metrics().Snapshot().Resumes)

	tr.disconnect()
	require.NoError(t, result(t, errc))
}

func TestFeedDropWithoutResumeBudget(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxResumes = 0
	f := bootstrap(t, cfg)

	logger := zaptest.NewLogger(t).Sugar()
	dropping := &droppingStore{MessageStore: f.store, subs: make(chan storage.Subscription, 8)}
	relay := NewRelay(logger, feed.NewAdapter(logger, dropping, 0), cfg)

	tr := newFakeTransport(false)
	s := NewSession(tr, Options{})
	errc := serve(relay, s)
	tr.next(t)

	require.NoError(t, (<-dropping.subs).Close())

	err := result(t, errc)
	require.ErrorIs(t, err, storage.ErrFeedClosed)
	require.Equal(t, Closed, s.State())
	require.Equal(t, uint64(1), relay.Metrics().Snapshot().FeedFailures)
}

func TestServeAfterShutdown(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, DefaultConfig())
	require.NoError(t, f.relay.Shutdown(context.Background()))

	tr := newFakeTransport(false)
	s := NewSession(tr, Options{})
	require.ErrorIs(t, f.relay.Serve(context.Background(), s), ErrRelayClosed)
	require.Equal(t, Closed, s.State())
	require.True(t, tr.closed.Load())
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, DefaultConfig())

	tr := newFakeTransport(false)
	errc := serve(f.relay, NewSession(tr, Options{}))
	tr.next(t)
	tr.disconnect()
	require.NoError(t, result(t, errc))

	rec := httptest.NewRecorder()
	f.relay.Metrics().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, Snapshot{SessionsOpened: 1, FramesForwarded: 1}, snapshot)
}
