package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"syncfm/config"
	"syncfm/core/clock"
	"syncfm/core/player"
	"syncfm/core/room"
	"syncfm/model"

	"github.com/alicebob/miniredis/v2"
	bclock "github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = "ABCDE"

type testRouter struct {
	manager *room.Manager
	server  *httptest.Server
	wsURL   string
}

func newTestRouter(t *testing.T, redisClient *redis.Client) *testRouter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	policy := room.DefaultPolicy()
	policy.HandshakeFirstCheck = 150 * time.Millisecond
	policy.PlayLead = 300 * time.Millisecond
	policy.HandshakeCleanMargin = 200 * time.Millisecond

	clk := clock.New()
	manager := room.NewManager(room.NewStore(clk), clk, policy, nil)
	s := New(ctx, &config.Config{ListenAddr: "127.0.0.1:0"}, manager, clk, redisClient)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &testRouter{
		manager: manager,
		server:  ts,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (tr *testRouter) startDevice(t *testing.T, ctx context.Context, userID, hostID string) (*player.Device, *player.SimulatedMedia) {
	t.Helper()
	media := player.NewSimulatedMedia(bclock.New())
	d := player.NewDevice(player.Config{
		ServerURL:    tr.wsURL,
		RoomCode:     testRoom,
		UserID:       userID,
		HostID:       hostID,
		SyncInterval: 300 * time.Millisecond,
		BurstSpan:    100 * time.Millisecond,
	}, media, bclock.New())
	go d.Run(ctx)
	return d, media
}

func TestTwoDevicesStartTogether(t *testing.T) {
	tr := newTestRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, hostMedia := tr.startDevice(t, ctx, "host", "host")
	guest, guestMedia := tr.startDevice(t, ctx, "guest", "host")

	require.Eventually(t, func() bool {
		info, ok := tr.manager.Describe(testRoom)
		return ok && info.Devices == 2 &&
			host.Estimator().Len() >= 3 && guest.Estimator().Len() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	track := model.Track{AudioURL: "https://media.example/track.mp3", DurationMs: 180_000, Title: "Test"}
	require.NoError(t, host.Play(track, 0))

	require.Eventually(t, func() bool {
		return hostMedia.Playing() && guestMedia.Playing()
	}, 5*time.Second, 5*time.Millisecond)

	gap := hostMedia.StartedAt().Sub(guestMedia.StartedAt())
	if gap < 0 {
		gap = -gap
	}
	assert.Less(t, gap, 50*time.Millisecond)
	assert.Equal(t, track.AudioURL, guestMedia.URL())

	time.Sleep(300 * time.Millisecond)
	info, ok := tr.manager.Describe(testRoom)
	require.True(t, ok)
	require.NotNil(t, info.Playback)
	assert.False(t, info.Playback.IsPaused)
	assert.False(t, info.HandshakePending)

	assert.InDelta(t, info.Playback.PositionMs, hostMedia.Position(), 100)
	assert.InDelta(t, info.Playback.PositionMs, guestMedia.Position(), 100)
	assert.InDelta(t, hostMedia.Position(), guestMedia.Position(), 50)

	require.NoError(t, host.Pause())
	require.Eventually(t, func() bool {
		return !hostMedia.Playing() && !guestMedia.Playing()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGuestCannotStartPlayback(t *testing.T) {
	tr := newTestRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = tr.startDevice(t, ctx, "host", "host")
	guest, guestMedia := tr.startDevice(t, ctx, "guest", "host")

	require.Eventually(t, func() bool {
		info, ok := tr.manager.Describe(testRoom)
		return ok && info.Devices == 2 && guest.Stats().Connected
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, guest.Play(model.Track{AudioURL: "https://media.example/x.mp3", DurationMs: 1000}, 0))
	assert.Never(t, func() bool {
		info, ok := tr.manager.Describe(testRoom)
		return guestMedia.Playing() || (ok && info.HandshakePending)
	}, 300*time.Millisecond, 10*time.Millisecond)
}

func TestRoomTornDownWhenDevicesLeave(t *testing.T) {
	tr := newTestRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	tr.startDevice(t, ctx, "host", "host")
	require.Eventually(t, func() bool { return tr.manager.Rooms() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return tr.manager.Rooms() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHealthHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	tr := newTestRouter(t, client)

	resp, err := http.Get(tr.server.URL + "/healthz")
	require.NoError(t, err)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Redis)
	assert.Zero(t, body.Rooms)
	assert.InDelta(t, time.Now().UnixMilli(), body.ServerTimeUnix, 1000)

	mr.Close()
	resp, err = http.Get(tr.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetRoomHandler(t *testing.T) {
	tr := newTestRouter(t, nil)

	resp, err := http.Get(tr.server.URL + "/api/rooms/NOPE")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.startDevice(t, ctx, "host", "host")
	require.Eventually(t, func() bool { return tr.manager.Rooms() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(tr.server.URL + "/api/rooms/" + testRoom)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var info room.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, testRoom, info.Code)
	assert.Equal(t, "host", info.HostUserID)
	assert.Equal(t, 1, info.Devices)
	require.NotNil(t, info.Playback)
	assert.Nil(t, info.Playback.Track)
}
