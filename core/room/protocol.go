package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"syncfm/model"
)

// MessageType is the "type" discriminator of every frame.
type MessageType string

const (
	// membership
	MsgJoin       MessageType = "join"
	MsgJoined     MessageType = "joined"
	MsgUserJoined MessageType = "user_joined"
	MsgUserLeft   MessageType = "user_left"
	MsgError      MessageType = "error"

	// snapshots
	MsgPlaySync         MessageType = "PLAY_SYNC"
	MsgPauseState       MessageType = "PAUSE_STATE"
	MsgPlaybackState    MessageType = "playback_state"
	MsgGetPlaybackState MessageType = "get_playback_state"

	// clock sync
	MsgTimePing MessageType = "time_ping"
	MsgTimePong MessageType = "time_pong"

	// handshake
	MsgPlay                MessageType = "PLAY"
	MsgPrepareTrack        MessageType = "PREPARE_TRACK"
	MsgHealthCheck         MessageType = "device_health_check"
	MsgHealthCheckResponse MessageType = "device_health_check_response"

	// transport control
	MsgPause       MessageType = "PAUSE"
	MsgResume      MessageType = "RESUME"
	MsgSeek        MessageType = "SEEK"
	MsgTrackChange MessageType = "TRACK_CHANGE"

	// drift backstop
	MsgSyncCheck MessageType = "sync_check"
	MsgResync    MessageType = "RESYNC"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Millis is a millisecond count that also accepts fractional JSON numbers,
// since browser media elements report positions as floats.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= math.MaxInt64 {
		return fmt.Errorf("invalid millisecond value %s", data)
	}
	*m = Millis(math.Round(f))
	return nil
}

// ---------- device -> server ----------

// Inbound is the closed set of frames a device may send.
type Inbound interface {
	Kind() MessageType
}

type JoinRequest struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	HostID   string `json:"hostId"`
}

type TimePing struct {
	ID json.RawMessage `json:"id"`
	T0 float64         `json:"t0"`
}

type PlayRequest struct {
	AudioURL     string `json:"audioUrl"`
	Duration     Millis `json:"duration"`
	Title        string `json:"title,omitempty"`
	StartDelayMs Millis `json:"startDelayMs"`
}

type HealthCheckResponse struct {
	CheckID     string `json:"checkId"`
	AudioLoaded bool   `json:"audioLoaded"`
	DeviceReady bool   `json:"deviceReady"`
}

type PauseRequest struct {
	// CurrentTime is the host's own position; informational only.
	CurrentTime *Millis `json:"currentTime,omitempty"`
}

type ResumeRequest struct {
	StartDelayMs Millis `json:"startDelayMs"`
}

type SeekRequest struct {
	SeekPositionMs Millis `json:"seekPositionMs"`
	StartDelayMs   Millis `json:"startDelayMs"`
}

type TrackData struct {
	AudioURL string `json:"audioUrl"`
	Duration Millis `json:"duration"`
	Title    string `json:"title,omitempty"`
}

func (t TrackData) Track() *model.Track {
	return &model.Track{AudioURL: t.AudioURL, DurationMs: int64(t.Duration), Title: t.Title}
}

type TrackChangeRequest struct {
	TrackData TrackData `json:"trackData"`
}

type PlaybackStateRequest struct {
	RoomCode string `json:"roomCode"`
}

type SyncCheck struct {
	ClientPosition Millis `json:"clientPosition"`
}

func (*JoinRequest) Kind() MessageType          { return MsgJoin }
func (*TimePing) Kind() MessageType             { return MsgTimePing }
func (*PlayRequest) Kind() MessageType          { return MsgPlay }
func (*HealthCheckResponse) Kind() MessageType  { return MsgHealthCheckResponse }
func (*PauseRequest) Kind() MessageType         { return MsgPause }
func (*ResumeRequest) Kind() MessageType        { return MsgResume }
func (*SeekRequest) Kind() MessageType          { return MsgSeek }
func (*TrackChangeRequest) Kind() MessageType   { return MsgTrackChange }
func (*PlaybackStateRequest) Kind() MessageType { return MsgGetPlaybackState }
func (*SyncCheck) Kind() MessageType            { return MsgSyncCheck }

type envelope struct {
	Type MessageType `json:"type"`
}

func peekType(data []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env.Type, nil
}

// DecodeInbound parses one device frame. Unknown types return ErrUnknownType,
// anything that is not a JSON object of the right shape returns ErrMalformed.
func DecodeInbound(data []byte) (Inbound, error) {
	t, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var msg Inbound
	switch t {
	case MsgJoin:
		msg = &JoinRequest{}
	case MsgTimePing:
		msg = &TimePing{}
	case MsgPlay:
		msg = &PlayRequest{}
	case MsgHealthCheckResponse:
		msg = &HealthCheckResponse{}
	case MsgPause:
		msg = &PauseRequest{}
	case MsgResume:
		msg = &ResumeRequest{}
	case MsgSeek:
		msg = &SeekRequest{}
	case MsgTrackChange:
		msg = &TrackChangeRequest{}
	case MsgGetPlaybackState:
		msg = &PlaybackStateRequest{}
	case MsgSyncCheck:
		msg = &SyncCheck{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return msg, nil
}

// ---------- server -> device ----------

// Outbound is the closed set of frames the server sends.
type Outbound interface {
	Kind() MessageType
}

type Joined struct {
	Type                MessageType `json:"type"`
	WsID                string      `json:"wsId"`
	RoomCode            string      `json:"roomCode"`
	HostUserID          string      `json:"hostUserId"`
	IsHost              bool        `json:"isHost"`
	TotalClients        int         `json:"totalClients"`
	ServerTimeUnix      int64       `json:"serverTimeUnix"`
	ServerTimeMonotonic int64       `json:"serverTimeMonotonic"`
}

// PlaySync tells a late joiner to be at Position when the authority clock
// reads MasterClockMs.
type PlaySync struct {
	Type          MessageType `json:"type"`
	AudioURL      string      `json:"audioUrl"`
	Duration      int64       `json:"duration,omitempty"`
	Title         string      `json:"title,omitempty"`
	Position      int64       `json:"position"`
	MasterClockMs int64       `json:"masterClockMs"`
}

type PauseState struct {
	Type     MessageType `json:"type"`
	AudioURL string      `json:"audioUrl"`
	Duration int64       `json:"duration,omitempty"`
	Title    string      `json:"title,omitempty"`
	Position int64       `json:"position"`
	IsPaused bool        `json:"isPaused"`
}

// EmptyState is the snapshot of a room with no track.
type EmptyState struct {
	Type      MessageType `json:"type"`
	Empty     bool        `json:"empty"`
	IsPlaying bool        `json:"isPlaying"`
}

type TimePong struct {
	Type                MessageType     `json:"type"`
	ID                  json.RawMessage `json:"id,omitempty"`
	T0                  float64         `json:"t0"`
	ServerTimeUnix      int64           `json:"serverTimeUnix"`
	ServerTimeMonotonic int64           `json:"serverTimeMonotonic"`
	PlaybackPosition    int64           `json:"playbackPosition"`
	IsPlaying           bool            `json:"isPlaying"`
}

type PrepareTrack struct {
	Type     MessageType `json:"type"`
	CheckID  string      `json:"checkId"`
	AudioURL string      `json:"audioUrl"`
	Duration int64       `json:"duration,omitempty"`
	Title    string      `json:"title,omitempty"`
}

type HealthCheck struct {
	Type     MessageType `json:"type"`
	CheckID  string      `json:"checkId"`
	AudioURL string      `json:"audioUrl"`
}

// PlayCommand is the committed start: position PositionMs at MasterClockMs.
type PlayCommand struct {
	Type                 MessageType `json:"type"`
	AudioURL             string      `json:"audioUrl"`
	Duration             int64       `json:"duration,omitempty"`
	Title                string      `json:"title,omitempty"`
	PositionMs           int64       `json:"positionMs"`
	MasterClockMs        int64       `json:"masterClockMs"`
	MasterClockLatencyMs int64       `json:"masterClockLatencyMs"`
	CheckID              string      `json:"checkId,omitempty"`
	Forced               bool        `json:"forced,omitempty"`
}

type PauseCommand struct {
	Type          MessageType `json:"type"`
	PausedAtMs    int64       `json:"pausedAtMs"`
	MasterClockMs int64       `json:"masterClockMs"`
}

type ResumeCommand struct {
	Type               MessageType `json:"type"`
	MasterClockMs      int64       `json:"masterClockMs"`
	PlaybackPositionMs int64       `json:"playbackPositionMs"`
}

type SeekCommand struct {
	Type               MessageType `json:"type"`
	PlaybackPositionMs int64       `json:"playbackPositionMs"`
	MasterClockMs      int64       `json:"masterClockMs"`
	IsPaused           bool        `json:"isPaused"`
}

type ResyncCommand struct {
	Type              MessageType `json:"type"`
	CorrectPositionMs int64       `json:"correctPositionMs"`
	MasterClockMs     int64       `json:"masterClockMs"`
	IsPlaying         bool        `json:"isPlaying"`
}

// MembershipNotice is user_joined or user_left.
type MembershipNotice struct {
	Type         MessageType `json:"type"`
	UserID       string      `json:"userId"`
	TotalClients int         `json:"totalClients"`
}

type ErrorReply struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func (m *Joined) Kind() MessageType           { return m.Type }
func (m *PlaySync) Kind() MessageType         { return m.Type }
func (m *PauseState) Kind() MessageType       { return m.Type }
func (m *EmptyState) Kind() MessageType       { return m.Type }
func (m *TimePong) Kind() MessageType         { return m.Type }
func (m *PrepareTrack) Kind() MessageType     { return m.Type }
func (m *HealthCheck) Kind() MessageType      { return m.Type }
func (m *PlayCommand) Kind() MessageType      { return m.Type }
func (m *PauseCommand) Kind() MessageType     { return m.Type }
func (m *ResumeCommand) Kind() MessageType    { return m.Type }
func (m *SeekCommand) Kind() MessageType      { return m.Type }
func (m *ResyncCommand) Kind() MessageType    { return m.Type }
func (m *MembershipNotice) Kind() MessageType { return m.Type }
func (m *ErrorReply) Kind() MessageType       { return m.Type }

// Error codes carried by ErrorReply.
const (
	CodeNotHost    = "not_host"
	CodeNoTrack    = "no_track"
	CodeNotJoined  = "not_joined"
	CodeBadRequest = "bad_request"
)

func errorReply(code, message string) *ErrorReply {
	return &ErrorReply{Type: MsgError, Code: code, Message: message}
}

// DecodeOutbound parses one server frame; used by devices.
func DecodeOutbound(data []byte) (Outbound, error) {
	t, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var msg Outbound
	switch t {
	case MsgJoined:
		msg = &Joined{}
	case MsgPlaySync:
		msg = &PlaySync{}
	case MsgPauseState:
		msg = &PauseState{}
	case MsgPlaybackState:
		msg = &EmptyState{}
	case MsgTimePong:
		msg = &TimePong{}
	case MsgPrepareTrack:
		msg = &PrepareTrack{}
	case MsgHealthCheck:
		msg = &HealthCheck{}
	case MsgPlay:
		msg = &PlayCommand{}
	case MsgPause:
		msg = &PauseCommand{}
	case MsgResume:
		msg = &ResumeCommand{}
	case MsgSeek:
		msg = &SeekCommand{}
	case MsgResync:
		msg = &ResyncCommand{}
	case MsgUserJoined, MsgUserLeft:
		msg = &MembershipNotice{}
	case MsgError:
		msg = &ErrorReply{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return msg, nil
}
