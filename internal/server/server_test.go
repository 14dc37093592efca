package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithEnvConfig(t *testing.T) {
	t.Parallel()

	c := &config{httpServer: &http.Server{}}
	WithEnvConfig(EnvConfig{Host: "127.0.0.1", Port: 8080, ReadTimeout: time.Second, ShutdownTimeout: 3 * time.Second}).apply(c)

	require.Equal(t, "127.0.0.1:8080", c.httpServer.Addr)
	require.Equal(t, time.Second, c.httpServer.ReadTimeout)
	require.Equal(t, 3*time.Second, c.shutdownTimeout)
}

func TestStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	var closed bool
	srv := NewServer(f.server.logger, nil, f.relay,
		WithEnvConfig(EnvConfig{Host: "127.0.0.1", Port: 0}),
		ShutdownTimeout(time.Second),
		RegisterAfterShutdown(func() { closed = true }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	require.True(t, closed)
}
