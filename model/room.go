package model

// Presence is one connected device as mirrored to Redis.
type Presence struct {
	ConnID   string `json:"wsId"`
	UserID   string `json:"userId"`
	IsHost   bool   `json:"isHost"`
	JoinedAt int64  `json:"joinedAt"` // Unix ms
}

// PlaybackSnapshot is the last committed playback state of a room as
// mirrored to Redis. Position is frozen at CapturedAt.
type PlaybackSnapshot struct {
	Track      *Track `json:"track,omitempty"`
	IsPaused   bool   `json:"isPaused"`
	PositionMs int64  `json:"positionMs"`
	CapturedAt int64  `json:"capturedAt"` // Unix ms
}
