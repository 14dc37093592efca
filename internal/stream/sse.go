package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/storage"
)

// sse streams frames as Server-Sent Events. Each frame carries the sequence
// position as its event id, the welcome frame has none.
type sse struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	stop func() bool
	done chan struct{}
	once sync.Once
}

// NewSSE starts an event stream on w. It ends when the request context is done or Close is called.
func NewSSE(w http.ResponseWriter, r *http.Request) (Transport, error) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("event stream needs a flushing writer: %w", err)
	}

	t := &sse{
		w:    w,
		rc:   rc,
		done: make(chan struct{}),
	}
	t.stop = context.AfterFunc(r.Context(), t.markDone)
	return t, nil
}

func (t *sse) Send(ctx context.Context, ev storage.ChangeEvent) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	payload, err := json.Marshal(ev.Message)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.rc.SetWriteDeadline(time.Now())
	})
	defer stop()

	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(t.w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return t.rc.Flush()
}

func (t *sse) Done() <-chan struct{} {
	return t.done
}

func (t *sse) Close() error {
	t.stop()
	t.markDone()
	return nil
}

func (t *sse) markDone() {
	t.once.Do(func() { close(t.done) })
}
