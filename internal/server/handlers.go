package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"chatrelay/internal/feed"
	"chatrelay/internal/gateway"
	"chatrelay/internal/storage"
	"chatrelay/internal/storage/zapadapter"
	"chatrelay/internal/stream"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// error kinds reported in the "error" field of error bodies
const (
	kindBadRequest       = "bad_request"
	kindWriteRejected    = "write_rejected"
	kindStoreUnavailable = "store_unavailable"
	kindFeedUnavailable  = "feed_unavailable"
	kindNotFound         = "not_found"
	kindInternal         = "internal"
)

var arenas fastjson.ArenaPool

// writeError replies with a {"error": kind, "message": msg} body
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	a := arenas.Get()
	defer arenas.Put(a)

	o := a.NewObject()
	o.Set("error", a.NewString(kind))
	o.Set("message", a.NewString(msg))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(o.MarshalTo(nil))
	a.Reset()
}

type parsers struct {
	postMessagePool fastjson.ParserPool
}

type handler struct {
	logger  *zap.SugaredLogger
	gateway *gateway.Gateway
	relay   *stream.Relay
	parsers parsers
}

// requestLogger returns the handler logger tagged with the request id
func (h *handler) requestLogger(ctx context.Context) *zap.SugaredLogger {
	if id, ok := zapadapter.IDFromContext(ctx); ok {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

// fail maps store and feed errors onto status codes
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.requestLogger(r.Context())
	switch {
	case errors.Is(err, storage.ErrWriteRejected):
		writeError(w, http.StatusBadRequest, kindWriteRejected, err.Error())
	case errors.Is(err, storage.ErrUserNotExist):
		writeError(w, http.StatusNotFound, kindNotFound, "User does not exist")
	case errors.Is(err, feed.ErrFeedUnavailable), errors.Is(err, storage.ErrSubscriptionUnavailable):
		logger.Warn(err)
		writeError(w, http.StatusServiceUnavailable, kindFeedUnavailable, "Message feed is unavailable")
	case errors.Is(err, storage.ErrStoreUnavailable):
		logger.Warn(err)
		writeError(w, http.StatusServiceUnavailable, kindStoreUnavailable, "Message store is unavailable")
	case errors.Is(err, context.Canceled):
		logger.Debugf("client went away: %v", err)
	default:
		logger.Error(err)
		writeError(w, http.StatusInternalServerError, kindInternal, http.StatusText(http.StatusInternalServerError))
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.requestLogger(r.Context()).Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// index handles HTTP requests on "/" endpoint
func (h *handler) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Hello, world!")
}

// postMessage handles HTTP requests on "POST /messages" endpoint
func (h *handler) postMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Cannot read request body")
		return
	}

	parser := h.parsers.postMessagePool.Get()
	defer h.parsers.postMessagePool.Put(parser)
	v, err := parser.ParseBytes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Malformed JSON")
		return
	}

	if v.Type() != fastjson.TypeObject {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Body must be a JSON object")
		return
	}

	// retrieving username
	if !v.Exists("username") {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Missing Field \"username\"")
		return
	}
	username, err := v.Get("username").StringBytes()
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Field \"username\" must be a string")
		return
	}

	// retrieving message text, it may be empty
	if !v.Exists("message") {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Missing Field \"message\"")
		return
	}
	text, err := v.Get("message").StringBytes()
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Field \"message\" must be a string")
		return
	}

	m := storage.ChatMessage{
		Username: string(username),
		Message:  string(text),
	}

	// retrieving optional datetime
	if dv := v.Get("datetime"); dv != nil && dv.Type() != fastjson.TypeNull {
		raw, err := dv.StringBytes()
		if err != nil {
			writeError(w, http.StatusBadRequest, kindBadRequest, "Field \"datetime\" must be an RFC 3339 string")
			return
		}
		m.Datetime, err = storage.ParseDatetime(string(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
			return
		}
	}

	id, err := h.gateway.PostMessage(r.Context(), m)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// returning id
	payload := []byte(`{"id":` + strconv.FormatInt(int64(id), 10) + `}`)
	h.writeJSON(w, r, http.StatusOK, payload)
}

// parseAfter reads the optional "after" query parameter
func parseAfter(r *http.Request) (after time.Time, ok bool, err error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return time.Time{}, false, nil
	}
	after, err = storage.ParseDatetime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return after, true, nil
}

// listMessages handles HTTP requests on "GET /messages" endpoint
func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	after, ok, err := parseAfter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Query parameter \"after\": "+err.Error())
		return
	}

	var messages []storage.ChatMessage
	if ok {
		messages, err = h.gateway.ListMessagesAfter(r.Context(), after)
	} else {
		messages, err = h.gateway.ListMessages(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []storage.ChatMessage{}
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, payload)
}

// user handles HTTP requests on "GET /user/{name}" endpoint and replies with the user's name
func (h *handler) user(w http.ResponseWriter, r *http.Request) {
	u, err := h.gateway.User(r.Context(), r.PathValue("name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	a := arenas.Get()
	defer arenas.Put(a)
	o := a.NewObject()
	o.Set("name", a.NewString(u.Name))
	h.writeJSON(w, r, http.StatusOK, o.MarshalTo(nil))
	a.Reset()
}

// stream handles HTTP requests on "GET /stream" endpoint.
// Websocket upgrades get a websocket, everything else gets Server-Sent Events.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r.Context())

	after, ok, err := parseAfter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "Query parameter \"after\": "+err.Error())
		return
	}

	var t stream.Transport
	if stream.IsWebSocket(r) {
		// the upgrader replies on failure
		t, err = stream.NewWebSocket(w, r, h.relay.Config())
	} else {
		t, err = stream.NewSSE(w, r)
	}
	if err != nil {
		logger.Warnf("opening stream transport: %v", err)
		return
	}

	session := stream.NewSession(t, stream.Options{CatchUp: ok, After: after})
	logger.Infof("Streaming session %s started", session.ID)

	if err := h.relay.Serve(r.Context(), session); err != nil {
		logger.Warnf("Streaming session %s ended: %v", session.ID, err)
		return
	}
	logger.Infof("Streaming session %s ended", session.ID)
}
