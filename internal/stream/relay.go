package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/feed"
	"chatrelay/internal/storage"

	"go.uber.org/zap"
)

// ErrRelayClosed is returned by Serve once Shutdown was called
var ErrRelayClosed = errors.New("relay is shut down")

// Relay owns every streaming session of the process
type Relay struct {
	logger  *zap.SugaredLogger
	adapter *feed.Adapter
	cfg     Config
	metrics *Metrics

	mu       sync.Mutex
	sessions map[*Session]context.CancelFunc
	closing  bool
	wg       sync.WaitGroup
}

// NewRelay returns a Relay opening one feed handle per session from adapter
func NewRelay(logger *zap.SugaredLogger, adapter *feed.Adapter, cfg Config) *Relay {
	return &Relay{
		logger:   logger,
		adapter:  adapter,
		cfg:      cfg.withDefaults(),
		metrics:  &Metrics{},
		sessions: make(map[*Session]context.CancelFunc),
	}
}

func (r *Relay) Config() Config {
	return r.cfg
}

func (r *Relay) Metrics() *Metrics {
	return r.metrics
}

// Active returns the number of sessions not closed yet
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Serve runs s until its transport disconnects, ctx is cancelled, the relay shuts down
// or the feed fails for good. The transport is closed on return.
// A nil error means the session ended normally.
func (r *Relay) Serve(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !r.register(s, cancel) {
		_ = s.transport.Close()
		s.setState(Closed)
		return ErrRelayClosed
	}
	defer r.unregister(s)

	r.logger.Debugf("Session %s opened", s.ID)

	go func() {
		select {
		case <-s.transport.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := r.run(ctx, s)

	if cerr := s.transport.Close(); cerr != nil {
		r.logger.Debugf("Session %s: closing transport: %v", s.ID, cerr)
	}
	s.setState(Closed)

	if err != nil {
		if errors.Is(err, storage.ErrFeedClosed) || errors.Is(err, feed.ErrFeedUnavailable) {
			r.metrics.feedFailures.Add(1)
		}
		r.logger.Warnf("Session %s closed: %v", s.ID, err)
		return err
	}
	r.logger.Debugf("Session %s closed at sequence %d", s.ID, s.Cursor())
	return nil
}

// Shutdown cancels every session and waits until all of them released their feed
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	for _, cancel := range r.sessions {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) register(s *Session, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.sessions[s] = cancel
	r.wg.Add(1)
	r.metrics.sessionsOpened.Add(1)
	r.metrics.sessionsActive.Add(1)
	return true
}

func (r *Relay) unregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
	r.metrics.sessionsActive.Add(-1)
	r.wg.Done()
}

func (r *Relay) run(ctx context.Context, s *Session) error {
	var h *feed.Handle
	defer func() {
		s.setState(Closing)
		if h != nil {
			h.Close()
		}
	}()

	s.setState(Welcoming)
	// a failed welcome is only noticed on the next write
	if err := r.forward(ctx, s, storage.ChangeEvent{Message: Welcome(time.Now())}); err != nil {
		r.logger.Debugf("Session %s: welcome not delivered: %v", s.ID, err)
	}

	s.setState(Live)
	h, err := r.adapter.Open(ctx)
	if err != nil {
		return ended(ctx, err)
	}

	if s.opts.CatchUp {
		backlog, err := h.CatchUp(ctx, s.opts.After)
		if err != nil {
			return ended(ctx, fmt.Errorf("%w: backlog: %w", feed.ErrFeedUnavailable, err))
		}
		for _, ev := range backlog {
			if err := r.forward(ctx, s, ev); err != nil {
				r.logger.Debugf("Session %s: transport gone: %v", s.ID, err)
				return nil
			}
		}
	}

	for {
		ev, err := h.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, storage.ErrFeedClosed) {
				return err
			}
			next, err := r.resume(ctx, s, h, err)
			if err != nil {
				return ended(ctx, err)
			}
			h = next
			continue
		}
		if err := r.forward(ctx, s, ev); err != nil {
			r.logger.Debugf("Session %s: transport gone: %v", s.ID, err)
			return nil
		}
	}
}

// forward writes one frame within the write timeout
func (r *Relay) forward(ctx context.Context, s *Session, ev storage.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	if err := s.transport.Send(ctx, ev); err != nil {
		return err
	}
	if ev.Seq > 0 {
		s.cursor.Store(int64(ev.Seq))
	}
	r.metrics.framesForwarded.Add(1)
	return nil
}

// resume reopens a dropped feed with doubling backoff, at most MaxResumes times.
// The budget applies per drop.
func (r *Relay) resume(ctx context.Context, s *Session, h *feed.Handle, cause error) (*feed.Handle, error) {
	backoff := r.cfg.ResumeBackoff
	for attempt := 1; attempt <= r.cfg.MaxResumes; attempt++ {
		r.logger.Warnf("Session %s: feed dropped, resuming in %s (attempt %d/%d): %v",
			s.ID, backoff, attempt, r.cfg.MaxResumes, cause)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2

		r.metrics.resumes.Add(1)
		next, err := r.adapter.Resume(ctx, h)
		if err == nil {
			return next, nil
		}
		cause = err
	}
	return nil, fmt.Errorf("feed not resumed after %d attempts: %w", r.cfg.MaxResumes, cause)
}

// ended hides errors caused by the session context going away
func ended(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
