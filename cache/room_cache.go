package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"syncfm/model"

	"github.com/go-redis/redis/v8"
)

const (
	roomPresenceKey  = "room:%s:presence"     // Hash: connID -> Presence JSON
	roomHeartbeatKey = "room:%s:heartbeat:%s" // String: last time_ping of one connection
	roomPlaybackKey  = "room:%s:playback"     // String: PlaybackSnapshot JSON
	roomTTL          = 2 * time.Hour
	heartbeatTTL     = 90 * time.Second
)

// RoomCache mirrors live room membership and the last committed playback
// state to Redis, for dashboards and other processes. The sync core never
// reads it back.
type RoomCache struct {
	client *redis.Client
}

// NewRoomCache wraps client; pass RedisClient in production.
func NewRoomCache(client *redis.Client) *RoomCache {
	return &RoomCache{client: client}
}

func (c *RoomCache) ready() error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return nil
}

// Join records a connection as present in roomCode.
func (c *RoomCache) Join(ctx context.Context, roomCode string, p *model.Presence) error {
	if err := c.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	key := fmt.Sprintf(roomPresenceKey, roomCode)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, p.ConnID, data)
	pipe.Expire(ctx, key, roomTTL)
	pipe.Set(ctx, fmt.Sprintf(roomHeartbeatKey, roomCode, p.ConnID), p.JoinedAt, heartbeatTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Leave drops a connection from roomCode.
func (c *RoomCache) Leave(ctx context.Context, roomCode, connID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	pipe.HDel(ctx, fmt.Sprintf(roomPresenceKey, roomCode), connID)
	pipe.Del(ctx, fmt.Sprintf(roomHeartbeatKey, roomCode, connID))
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the heartbeat of a connection and the room TTL.
func (c *RoomCache) Touch(ctx context.Context, roomCode, connID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(roomHeartbeatKey, roomCode, connID), time.Now().UnixMilli(), heartbeatTTL)
	pipe.Expire(ctx, fmt.Sprintf(roomPresenceKey, roomCode), roomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// PublishPlayback stores the latest playback snapshot of roomCode.
func (c *RoomCache) PublishPlayback(ctx context.Context, roomCode string, snap *model.PlaybackSnapshot) error {
	if err := c.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal playback: %w", err)
	}
	return c.client.Set(ctx, fmt.Sprintf(roomPlaybackKey, roomCode), data, roomTTL).Err()
}

// DeleteRoom removes every key of roomCode.
func (c *RoomCache) DeleteRoom(ctx context.Context, roomCode string) error {
	if err := c.ready(); err != nil {
		return err
	}
	presenceKey := fmt.Sprintf(roomPresenceKey, roomCode)
	connIDs, err := c.client.HKeys(ctx, presenceKey).Result()
	if err != nil {
		return err
	}

	keys := []string{presenceKey, fmt.Sprintf(roomPlaybackKey, roomCode)}
	for _, id := range connIDs {
		keys = append(keys, fmt.Sprintf(roomHeartbeatKey, roomCode, id))
	}
	return c.client.Del(ctx, keys...).Err()
}

// Members lists the connections recorded for roomCode, skipping entries
// whose heartbeat has lapsed.
func (c *RoomCache) Members(ctx context.Context, roomCode string) ([]model.Presence, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	result, err := c.client.HGetAll(ctx, fmt.Sprintf(roomPresenceKey, roomCode)).Result()
	if err != nil {
		return nil, err
	}

	members := make([]model.Presence, 0, len(result))
	for connID, data := range result {
		alive, err := c.client.Exists(ctx, fmt.Sprintf(roomHeartbeatKey, roomCode, connID)).Result()
		if err != nil || alive == 0 {
			continue
		}
		var p model.Presence
		if err := json.Unmarshal([]byte(data), &p); err == nil {
			members = append(members, p)
		}
	}
	return members, nil
}

// Playback returns the last mirrored snapshot of roomCode, or nil.
func (c *RoomCache) Playback(ctx context.Context, roomCode string) (*model.PlaybackSnapshot, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	data, err := c.client.Get(ctx, fmt.Sprintf(roomPlaybackKey, roomCode)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var snap model.PlaybackSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
