package room

import (
	"errors"
	"time"

	"syncfm/model"
)

var ErrNoTrack = errors.New("no track loaded")

// Clock is the part of the authority the state machine reads.
type Clock interface {
	Now() int64
}

// PlaybackState is the authoritative playback record of one room. It is not
// safe for concurrent use; the owning Room serializes every call.
//
// While playing, position is derived from startedAt (the authority instant
// at which position 0 of the current epoch occurred). While paused, position
// is frozen in pausedAt and startedAt is meaningless.
type PlaybackState struct {
	clock Clock

	track     *model.Track
	paused    bool
	startedAt int64
	pausedAt  int64
}

// NewPlaybackState returns an empty, paused state.
func NewPlaybackState(c Clock) *PlaybackState {
	return &PlaybackState{clock: c, paused: true}
}

// Track returns a copy of the current track, or nil.
func (s *PlaybackState) Track() *model.Track {
	if s.track == nil {
		return nil
	}
	t := *s.track
	return &t
}

func (s *PlaybackState) IsPlaying() bool {
	return s.track != nil && !s.paused
}

// Position returns the playback position in ms at the current instant.
func (s *PlaybackState) Position() int64 {
	return s.positionAt(s.clock.Now())
}

func (s *PlaybackState) positionAt(now int64) int64 {
	if s.track == nil {
		return 0
	}
	if s.paused {
		return s.pausedAt
	}
	return s.clamp(now - s.startedAt)
}

// clamp bounds a position to [0, duration]; duration 0 means unknown.
func (s *PlaybackState) clamp(pos int64) int64 {
	if pos < 0 {
		return 0
	}
	if s.track != nil && s.track.DurationMs > 0 && pos > s.track.DurationMs {
		return s.track.DurationMs
	}
	return pos
}

// Pause freezes the position. Pausing twice yields the same position.
func (s *PlaybackState) Pause() (*PauseCommand, error) {
	if s.track == nil {
		return nil, ErrNoTrack
	}
	now := s.clock.Now()
	if !s.paused {
		s.pausedAt = s.positionAt(now)
		s.paused = true
	}
	return &PauseCommand{Type: MsgPause, PausedAtMs: s.pausedAt, MasterClockMs: now}, nil
}

// Resume schedules playback to continue from the frozen position at
// now+lead. Devices are told the absolute instant, not "now". Resuming while
// already playing re-anchors at the current position.
func (s *PlaybackState) Resume(lead time.Duration) (*ResumeCommand, error) {
	if s.track == nil {
		return nil, ErrNoTrack
	}
	now := s.clock.Now()
	target := now + ms(lead)

	pos := s.pausedAt
	if !s.paused {
		pos = s.positionAt(target)
	}
	s.startedAt = target - pos
	s.paused = false

	return &ResumeCommand{Type: MsgResume, MasterClockMs: target, PlaybackPositionMs: pos}, nil
}

// Seek moves the epoch anchor so position is positionMs at now+lead. A paused
// room stays paused with the new position stored for the next Resume.
func (s *PlaybackState) Seek(positionMs int64, lead time.Duration) (*SeekCommand, error) {
	if s.track == nil {
		return nil, ErrNoTrack
	}
	target := s.clock.Now() + ms(lead)
	pos := s.clamp(positionMs)

	if s.paused {
		s.pausedAt = pos
	} else {
		s.startedAt = target - pos
	}

	return &SeekCommand{
		Type:               MsgSeek,
		PlaybackPositionMs: pos,
		MasterClockMs:      target,
		IsPaused:           s.paused,
	}, nil
}

// SetTrack swaps the track and parks it paused at position 0. It never
// starts playback; that takes a completed handshake.
func (s *PlaybackState) SetTrack(t *model.Track) *PauseState {
	track := *t
	s.track = &track
	s.paused = true
	s.pausedAt = 0
	s.startedAt = 0
	return s.pauseState()
}

// Start loads t (if it differs from the current track) and anchors position
// 0 at now+lead. Used by handshake finalization.
func (s *PlaybackState) Start(t *model.Track, lead time.Duration) *PlayCommand {
	if !s.track.Same(t) || (t.DurationMs > 0 && s.track.DurationMs != t.DurationMs) {
		s.SetTrack(t)
	}
	target := s.clock.Now() + ms(lead)
	s.startedAt = target
	s.paused = false

	return &PlayCommand{
		Type:                 MsgPlay,
		AudioURL:             s.track.AudioURL,
		Duration:             s.track.DurationMs,
		Title:                s.track.Title,
		PositionMs:           0,
		MasterClockMs:        target,
		MasterClockLatencyMs: ms(lead),
	}
}

// Snapshot describes the room to a device that knows nothing about it.
// A playing room is described at now+lateJoinLead so the device schedules
// against a future instant instead of chasing "now".
func (s *PlaybackState) Snapshot(lateJoinLead time.Duration) Outbound {
	if s.track == nil {
		return &EmptyState{Type: MsgPlaybackState, Empty: true}
	}
	if s.paused {
		return s.pauseState()
	}
	target := s.clock.Now() + ms(lateJoinLead)
	return &PlaySync{
		Type:          MsgPlaySync,
		AudioURL:      s.track.AudioURL,
		Duration:      s.track.DurationMs,
		Title:         s.track.Title,
		Position:      s.positionAt(target),
		MasterClockMs: target,
	}
}

func (s *PlaybackState) pauseState() *PauseState {
	return &PauseState{
		Type:     MsgPauseState,
		AudioURL: s.track.AudioURL,
		Duration: s.track.DurationMs,
		Title:    s.track.Title,
		Position: s.pausedAt,
		IsPaused: true,
	}
}

// Record returns the state as mirrored to the presence cache.
func (s *PlaybackState) Record(capturedAtUnix int64) *model.PlaybackSnapshot {
	return &model.PlaybackSnapshot{
		Track:      s.Track(),
		IsPaused:   !s.IsPlaying(),
		PositionMs: s.Position(),
		CapturedAt: capturedAtUnix,
	}
}
