// Package feed turns the store's raw insert subscriptions into typed, de-duplicated
// and resumable message feeds. The adapter never retries on its own: reconnect
// policy belongs to the caller.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/storage"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrFeedUnavailable is returned when a feed cannot be opened
var ErrFeedUnavailable = errors.New("feed unavailable")

// Adapter opens feed handles over a MessageStore
type Adapter struct {
	logger  *zap.SugaredLogger
	store   storage.MessageStore
	window  int
	handles atomic.Int64
}

// NewAdapter returns an Adapter remembering up to window delivered positions per handle.
// A non-positive window means DefaultWindow.
func NewAdapter(logger *zap.SugaredLogger, store storage.MessageStore, window int) *Adapter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Adapter{
		logger: logger,
		store:  store,
		window: window,
	}
}

// Handles returns the number of handles that are not closed yet
func (a *Adapter) Handles() int {
	return int(a.handles.Load())
}

// Open subscribes to inserts committed from now on
func (a *Adapter) Open(ctx context.Context) (*Handle, error) {
	sub, err := a.store.SubscribeInserts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}
	a.handles.Add(1)

	a.logger.Debugf("Opened feed at sequence %d", sub.Start())

	return &Handle{
		adapter: a,
		sub:     sub,
		seen:    newWindow(a.window),
		base:    sub.Start(),
	}, nil
}

// Resume replaces prev with a fresh subscription. Messages committed after
// prev's cursor are queued ahead of the live ones, so a dropped subscription
// loses nothing the store can still list. prev is closed on success.
func (a *Adapter) Resume(ctx context.Context, prev *Handle) (*Handle, error) {
	h, err := a.Open(ctx)
	if err != nil {
		return nil, err
	}

	cursor := prev.Cursor()
	gap, err := a.store.Since(ctx, cursor)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: gap fill since %d: %w", ErrFeedUnavailable, cursor, err)
	}
	h.seen = prev.seen
	h.base = cursor
	h.delivered = prev.delivered
	h.pending = gap
	prev.Close()

	a.logger.Infof("Resumed feed from sequence %d with %d missed messages", cursor, len(gap))

	return h, nil
}

// Handle is one feed. It is not safe for concurrent use, except Close.
type Handle struct {
	adapter *Adapter
	sub     storage.Subscription
	seen    *window
	pending []storage.ChangeEvent

	// base is the position the handle started from, delivered the highest position handed out
	base      storage.Sequence
	delivered storage.Sequence

	once sync.Once
}

// Next blocks until the next message commits. It never reports end of stream:
// a dropped subscription yields an error wrapping storage.ErrFeedClosed and
// a cancelled ctx yields ctx.Err().
func (h *Handle) Next(ctx context.Context) (storage.ChangeEvent, error) {
	for len(h.pending) > 0 {
		ev := h.pending[0]
		h.pending = h.pending[1:]
		if h.deliver(ev) {
			return ev, nil
		}
	}
	for {
		ev, err := h.sub.Next(ctx)
		if err != nil {
			return storage.ChangeEvent{}, err
		}
		if h.deliver(ev) {
			return ev, nil
		}
		h.adapter.logger.Debugf("Skipped duplicate sequence %d", ev.Seq)
	}
}

// CatchUp returns the messages newer than after that committed before the handle opened.
// It must be called after Open. Later messages are left to Next, which hands them out in
// commit order whatever their datetime, so a message is never overtaken by a newer one.
func (h *Handle) CatchUp(ctx context.Context, after time.Time) ([]storage.ChangeEvent, error) {
	events, err := h.adapter.store.QueryAfter(ctx, after)
	if err != nil {
		return nil, err
	}
	backlog := lo.Filter(events, func(ev storage.ChangeEvent, _ int) bool {
		return ev.Seq <= h.base
	})
	for _, ev := range backlog {
		h.deliver(ev)
	}
	return backlog, nil
}

// Cursor returns the position a resumed feed continues after
func (h *Handle) Cursor() storage.Sequence {
	return max(h.base, h.delivered)
}

// Close releases the subscription. It can be called several times.
func (h *Handle) Close() {
	h.once.Do(func() {
		if err := h.sub.Close(); err != nil {
			h.adapter.logger.Warnf("Failed to close subscription: %v", err)
		}
		h.adapter.handles.Add(-1)
		h.adapter.logger.Debugf("Closed feed at sequence %d", h.Cursor())
	})
}

func (h *Handle) deliver(ev storage.ChangeEvent) bool {
	if h.seen.contains(ev.Seq) {
		return false
	}
	h.seen.add(ev.Seq)
	h.delivered = max(h.delivered, ev.Seq)
	return true
}
