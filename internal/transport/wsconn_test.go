package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testWSPair creates a connected client+server WebSocket pair using httptest.
func testWSPair(t *testing.T) (serverConn *websocket.Conn, clientConn *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}
	var serverOnce sync.Once
	serverReady := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("test ws upgrade: %v", err)
			return
		}
		serverOnce.Do(func() { serverReady <- c })
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-serverReady:
		return server, client
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server websocket")
		return nil, nil
	}
}

func TestWSConn_SendDeliversInOrder(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := testWSPair(t)
	c := NewWSConn("c1", serverConn, 8, nil)
	defer c.Close()

	for _, msg := range []string{"one", "two", "three"} {
		if err := c.Send([]byte(msg)); err != nil {
			t.Fatalf("Send(%s): %v", msg, err)
		}
	}

	for _, want := range []string{"one", "two", "three"} {
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, got, err := clientConn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestWSConn_SendAfterCloseFails(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := testWSPair(t)
	c := NewWSConn("c1", serverConn, 8, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if err := c.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := clientConn.ReadMessage(); err == nil {
		t.Fatal("expected client read error after close")
	}
}

func TestWSConn_PeerGoneClosesConn(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := testWSPair(t)
	c := NewWSConn("c1", serverConn, 8, nil)
	defer c.Close()

	clientConn.Close()

	if _, err := c.ReadMessage(); err == nil {
		t.Fatal("expected read error after peer closed")
	}
}
