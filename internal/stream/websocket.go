package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/storage"

	"github.com/gorilla/websocket"
)

const maxInboundSize = 512

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// IsWebSocket reports whether r asks for a websocket upgrade
func IsWebSocket(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

type webSocket struct {
	conn *websocket.Conn
	cfg  Config

	// mu serializes data frames, control frames go through WriteControl
	mu sync.Mutex

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// NewWebSocket upgrades the request and starts the read pump and the pinger.
// On failure the upgrader has already replied to the client.
func NewWebSocket(w http.ResponseWriter, r *http.Request, cfg Config) (Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	t := &webSocket{
		conn: conn,
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
	go t.readPump()
	go t.pinger()
	return t, nil
}

// readPump discards inbound frames, it only exists to notice pongs and disconnects
func (t *webSocket) readPump() {
	defer t.markDone()

	t.conn.SetReadLimit(maxInboundSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.pongWait()))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(t.cfg.pongWait()))
	})
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (t *webSocket) pinger() {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				t.markDone()
				return
			}
		}
	}
}

func (t *webSocket) Send(ctx context.Context, ev storage.ChangeEvent) error {
	payload, err := json.Marshal(ev.Message)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.WriteTimeout)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	// cancellation cuts a write that is already blocked on the socket
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.NetConn().SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (t *webSocket) Done() <-chan struct{} {
	return t.done
}

func (t *webSocket) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
		t.markDone()
	})
	return err
}

func (t *webSocket) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}
