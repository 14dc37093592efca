package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/gateway"
	"chatrelay/internal/stream"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const defaultShutdownTimeout = 10 * time.Second

// Server defines fields used in HTTP processing
type Server struct {
	logger          *zap.SugaredLogger
	httpServer      *http.Server
	relay           *stream.Relay
	shutdownTimeout time.Duration
	afterShutdown   []func()
}

// NewServer returns new Server struct serving gw and relay with provided options applied
func NewServer(logger *zap.SugaredLogger, gw *gateway.Gateway, relay *stream.Relay, opts ...Option) *Server {
	c := &config{
		httpServer: &http.Server{
			Addr:              ":9000",
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt.apply(c)
	}

	h := &handler{
		logger:  logger,
		gateway: gw,
		relay:   relay,
		parsers: parsers{
			postMessagePool: fastjson.ParserPool{},
		},
	}

	// streams are long-lived, only plain request/response routes get the request timeout
	timed := func(next http.Handler) http.Handler {
		if c.requestTimeout <= 0 {
			return next
		}
		return http.TimeoutHandler(next, c.requestTimeout, c.timeoutMessage)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.index)
	mux.Handle("POST /messages", timed(enforceJSON(http.HandlerFunc(h.postMessage))))
	mux.Handle("GET /messages", timed(http.HandlerFunc(h.listMessages)))
	mux.Handle("GET /user/{name}", timed(http.HandlerFunc(h.user)))
	mux.HandleFunc("GET /stream", h.stream)
	mux.Handle("GET /metrics", relay.Metrics())

	c.httpServer.Handler = cors(log(mux, logger.Desugar()))

	return &Server{
		logger:          logger,
		httpServer:      c.httpServer,
		relay:           relay,
		shutdownTimeout: c.shutdownTimeout,
		afterShutdown:   c.afterShutdown,
	}
}

// Handler returns the root http.Handler with every route and middleware
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and shuts down gracefully once ctx is done: streams first, then http.Server,
// then the functions registered with RegisterAfterShutdown
func (s *Server) Start(ctx context.Context) error {
	served := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		if err != nil {
			return fmt.Errorf("s.httpServer.ListenAndServe: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.relay.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("relay.Shutdown: %v", err)
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("srv.Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		s.logger.Errorf("s.httpServer.ListenAndServe: %v", err)
	}
	s.logger.Info("HTTP server is stopped")

	for _, f := range s.afterShutdown {
		f()
	}
	return nil
}
