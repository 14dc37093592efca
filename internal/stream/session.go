// Package stream runs one streaming session per connected client: a welcome
// frame, an optional backlog, then every newly committed message until the
// client goes away or the relay shuts down.
package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"chatrelay/internal/storage"

	"github.com/google/uuid"
)

const (
	WelcomeUsername = "Server"
	WelcomeText     = "Welcome back to the chat stream!"
)

// ErrTransportClosed is returned by Send once the peer is gone
var ErrTransportClosed = errors.New("transport closed")

// Transport delivers frames to one remote peer
type Transport interface {
	// Send writes one frame. It must give up once ctx is done.
	Send(ctx context.Context, ev storage.ChangeEvent) error
	// Done is closed when the peer disconnects
	Done() <-chan struct{}
	// Close releases the connection, it can be called several times
	Close() error
}

// Options select what a session delivers before going live
type Options struct {
	// CatchUp enables the backlog of messages newer than After
	CatchUp bool
	After   time.Time
}

// Session is the state of one client connection
type Session struct {
	ID          uuid.UUID
	ConnectedAt time.Time

	transport Transport
	opts      Options
	state     atomic.Int32
	cursor    atomic.Int64
}

// NewSession returns a session in the Opening state
func NewSession(t Transport, opts Options) *Session {
	return &Session{
		ID:          uuid.New(),
		ConnectedAt: time.Now().UTC(),
		transport:   t,
		opts:        opts,
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Cursor returns the last delivered sequence position, 0 before any stored message was delivered
func (s *Session) Cursor() storage.Sequence {
	return storage.Sequence(s.cursor.Load())
}

// Welcome returns the synthetic first frame of every session
func Welcome(now time.Time) storage.ChatMessage {
	return storage.ChatMessage{
		Username: WelcomeUsername,
		Message:  WelcomeText,
		Datetime: now,
	}.Truncate()
}
