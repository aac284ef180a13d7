package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"syncfm/core/clock"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const testTrackURL = "https://media.example/tracks/a.mp3"

type fakeClock struct{ now int64 }

func (f *fakeClock) Now() int64 { return f.now }

func newTestManager(t *testing.T) (*Manager, *bclock.Mock) {
	t.Helper()
	mock := bclock.NewMock()
	auth := clock.NewWithSource(mock)
	return NewManager(NewStore(auth), auth, DefaultPolicy(), nil), mock
}

func send(t *testing.T, m *Manager, c *Client, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	m.HandleMessage(context.Background(), c, data)
}

func joinRoom(t *testing.T, m *Manager, code, userID, hostID string) *Client {
	t.Helper()
	c := NewClient(nil)
	send(t, m, c, map[string]any{"type": "join", "roomCode": code, "userId": userID, "hostId": hostID})
	return c
}

func next(t *testing.T, c *Client) Outbound {
	t.Helper()
	select {
	case data := <-c.Outbox():
		msg, err := DecodeOutbound(data)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no frame for %s", c.ID)
	}
	return nil
}

func expect[T Outbound](t *testing.T, c *Client) T {
	t.Helper()
	msg := next(t, c)
	v, ok := msg.(T)
	require.Truef(t, ok, "unexpected frame %T %+v", msg, msg)
	return v
}

func drain(clients ...*Client) {
	for _, c := range clients {
		for {
			select {
			case <-c.Outbox():
				continue
			default:
			}
			break
		}
	}
}

func assertSilent(t *testing.T, clients ...*Client) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	for _, c := range clients {
		select {
		case data := <-c.Outbox():
			t.Fatalf("unexpected frame for %s: %s", c.ID, data)
		default:
		}
	}
}

func respondReady(t *testing.T, m *Manager, c *Client, checkID string) {
	t.Helper()
	send(t, m, c, map[string]any{
		"type":        "device_health_check_response",
		"checkId":     checkID,
		"audioLoaded": true,
		"deviceReady": true,
	})
}

// startTrack runs a complete handshake where every device answers. The
// first device must be the host.
func startTrack(t *testing.T, m *Manager, devices ...*Client) *PlayCommand {
	t.Helper()
	send(t, m, devices[0], map[string]any{"type": "PLAY", "audioUrl": testTrackURL, "duration": 180000})

	var checkID string
	for _, d := range devices {
		prep := expect[*PrepareTrack](t, d)
		hc := expect[*HealthCheck](t, d)
		require.Equal(t, prep.CheckID, hc.CheckID)
		checkID = prep.CheckID
	}
	for _, d := range devices {
		respondReady(t, m, d, checkID)
	}

	var cmd *PlayCommand
	for _, d := range devices {
		cmd = expect[*PlayCommand](t, d)
	}
	return cmd
}
