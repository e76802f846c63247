package httpapi_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/deployq/internal/httpapi"
)

func TestNewServer(t *testing.T) {
	_, err := httpapi.NewServer(httpapi.ServerConfig{Handler: http.NotFoundHandler()})
	require.Error(t, err)

	_, err = httpapi.NewServer(httpapi.ServerConfig{ListenAddr: ":0"})
	require.Error(t, err)
}

func TestServerServeAndShutdown(t *testing.T) {
	s := newTestServer(t)
	srv, err := httpapi.NewServer(httpapi.ServerConfig{ListenAddr: "127.0.0.1:0", Handler: s.handler})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't stop")
	}
}
