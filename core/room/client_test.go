package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveClient upgrades one connection and runs its pumps under ctx. The
// returned channel is closed when onClose runs.
func serveClient(t *testing.T, ctx context.Context, handle func(context.Context, *Client, []byte)) (*websocket.Conn, <-chan struct{}) {
	t.Helper()
	closed := make(chan struct{})
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn)
		go c.WritePump()
		c.ReadPump(ctx, handle, func(*Client) { close(closed) })
	}))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, closed
}

func TestReadPumpStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	conn, closed := serveClient(t, ctx, func(_ context.Context, _ *Client, data []byte) {
		received <- string(data)
	})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("frame not handled")
	}

	// The device stays connected and silent; only the context ends.
	cancel()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("read pump still running after shutdown")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestReadPumpStopsWhenPeerLeaves(t *testing.T) {
	conn, closed := serveClient(t, context.Background(), func(context.Context, *Client, []byte) {})

	require.NoError(t, conn.Close())
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("read pump did not notice the closed connection")
	}
}
