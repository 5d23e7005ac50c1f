package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspace/botrelay/internal/protocol"
)

// requireClosedByPeer reads from c until the relay closes it.
func requireClosedByPeer(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("connection still open after Stop: %v", err)
		}
		return
	}
}

func TestServer_ServeAndStop(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	agent := dial(t, "ws://"+addr+"/agent/ws")
	send(t, agent, protocol.Hello{Identity: "bot1"})
	observer := dial(t, "ws://"+addr+"/observer/ws")
	send(t, observer, protocol.Hello{Identity: "bot1"})
	require.Eventually(t, func() bool {
		st := s.Router().Status()
		return len(st.Controlled) == 1 && len(st.Observers) == 1
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case err := <-served:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	requireClosedByPeer(t, agent)
	requireClosedByPeer(t, observer)

	st := s.Router().Status()
	assert.Empty(t, st.Controlled)
	assert.Empty(t, st.Observers)

	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err, "listener should be closed after Stop")
}

func TestServer_StartReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	s, err := New(cfg)
	require.NoError(t, err)

	err = s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}
