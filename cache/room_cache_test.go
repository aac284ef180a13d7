package cache

import (
	"context"
	"testing"
	"time"

	"syncfm/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RoomCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRoomCache(client), s
}

func TestRoomCachePresence(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "r1", &model.Presence{ConnID: "c1", UserID: "u1", IsHost: true, JoinedAt: 1}))
	require.NoError(t, c.Join(ctx, "r1", &model.Presence{ConnID: "c2", UserID: "u2", JoinedAt: 2}))

	members, err := c.Members(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.True(t, s.Exists("room:r1:presence"))
	assert.Equal(t, roomTTL, s.TTL("room:r1:presence"))

	require.NoError(t, c.Leave(ctx, "r1", "c2"))
	members, err = c.Members(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].UserID)
	assert.True(t, members[0].IsHost)
	assert.False(t, s.Exists("room:r1:heartbeat:c2"))
}

func TestRoomCacheHeartbeatLapse(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "r1", &model.Presence{ConnID: "c1", UserID: "u1"}))
	require.NoError(t, c.Join(ctx, "r1", &model.Presence{ConnID: "c2", UserID: "u2"}))

	s.FastForward(60 * time.Second)
	require.NoError(t, c.Touch(ctx, "r1", "c1"))
	s.FastForward(60 * time.Second)

	members, err := c.Members(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "c1", members[0].ConnID)
}

func TestRoomCachePlayback(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	snap, err := c.Playback(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	want := &model.PlaybackSnapshot{
		Track:      &model.Track{AudioURL: "https://media.example/a.mp3", DurationMs: 1000},
		PositionMs: 250,
		CapturedAt: 99,
	}
	require.NoError(t, c.PublishPlayback(ctx, "r1", want))

	got, err := c.Playback(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRoomCacheDeleteRoom(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "r1", &model.Presence{ConnID: "c1", UserID: "u1"}))
	require.NoError(t, c.PublishPlayback(ctx, "r1", &model.PlaybackSnapshot{IsPaused: true}))
	require.NoError(t, c.Join(ctx, "r2", &model.Presence{ConnID: "c9", UserID: "u9"}))

	require.NoError(t, c.DeleteRoom(ctx, "r1"))
	assert.False(t, s.Exists("room:r1:presence"))
	assert.False(t, s.Exists("room:r1:playback"))
	assert.False(t, s.Exists("room:r1:heartbeat:c1"))
	assert.True(t, s.Exists("room:r2:presence"))
}

func TestRoomCacheWithoutClient(t *testing.T) {
	var c *RoomCache
	assert.Error(t, c.Join(context.Background(), "r1", &model.Presence{}))
	assert.Error(t, NewRoomCache(nil).Touch(context.Background(), "r1", "c1"))
}

func TestCheckRedis(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	require.NoError(t, CheckRedis(context.Background(), client))
	assert.False(t, s.Exists("syncfm:healthcheck"))
	assert.Error(t, CheckRedis(context.Background(), nil))
}
