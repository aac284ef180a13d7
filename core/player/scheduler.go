package player

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"syncfm/logger"

	bclock "github.com/benbjohnson/clock"
)

// DriftAction is what one drift check did.
type DriftAction int

const (
	DriftNone DriftAction = iota
	DriftNudge
	DriftSnap
)

func (a DriftAction) String() string {
	switch a {
	case DriftNudge:
		return "nudge"
	case DriftSnap:
		return "snap"
	}
	return "none"
}

// DriftPolicy holds the device-side correction thresholds.
type DriftPolicy struct {
	Interval       time.Duration
	SnapThreshold  time.Duration
	SnapCooldown   time.Duration
	NudgeThreshold time.Duration
	NudgeRate      float64 // fractional rate change, 0.02 = 2%
	NudgeWindow    time.Duration
}

func DefaultDriftPolicy() DriftPolicy {
	return DriftPolicy{
		Interval:       1200 * time.Millisecond,
		SnapThreshold:  400 * time.Millisecond,
		SnapCooldown:   1000 * time.Millisecond,
		NudgeThreshold: 25 * time.Millisecond,
		NudgeRate:      0.02,
		NudgeWindow:    1500 * time.Millisecond,
	}
}

// Scheduler maps server instants onto the local clock and keeps the media
// element on the room's timeline.
//
// The room timeline is an anchor: position anchorPos at server monotonic
// instant anchorAt. Server monotonic time is related to local time through
// the server's monotonic-to-Unix delta and the estimated clock offset.
type Scheduler struct {
	clock  bclock.Clock
	media  Media
	est    *OffsetEstimator
	policy DriftPolicy

	mu       sync.Mutex
	delta    int64 // server Unix ms - server monotonic ms
	playing  bool  // the room timeline is running
	started  bool  // media was started for the current timeline
	waiting  bool  // blocked on a user gesture
	anchorAt int64
	anchor   int64
	epoch    uint64

	startTimer *bclock.Timer
	nudgeTimer *bclock.Timer
	nudgeGen   uint64
	lastSnap   time.Time
}

func NewScheduler(c bclock.Clock, media Media, est *OffsetEstimator, policy DriftPolicy) *Scheduler {
	if c == nil {
		c = bclock.New()
	}
	return &Scheduler{clock: c, media: media, est: est, policy: policy}
}

// SetServerDelta records the relation between the server's Unix and
// monotonic clocks, as carried by joined and time_pong frames.
func (s *Scheduler) SetServerDelta(serverUnix, serverMonotonic int64) {
	s.mu.Lock()
	s.delta = serverUnix - serverMonotonic
	s.mu.Unlock()
}

func (s *Scheduler) localMs() float64 {
	return float64(s.clock.Now().UnixMicro()) / 1000
}

// serverNowLocked estimates the authority's monotonic clock right now.
func (s *Scheduler) serverNowLocked() float64 {
	return s.localMs() + s.est.FilteredOffset() - float64(s.delta)
}

// localInstantLocked converts a server monotonic instant to local time.
func (s *Scheduler) localInstantLocked(serverMs int64) time.Time {
	local := float64(serverMs+s.delta) - s.est.FilteredOffset()
	return time.UnixMicro(int64(math.Round(local * 1000)))
}

// expectedLocked is where the media should be now. Before the anchor
// instant that is the anchor position itself.
func (s *Scheduler) expectedLocked() int64 {
	elapsed := int64(math.Round(s.serverNowLocked())) - s.anchorAt
	if elapsed < 0 {
		elapsed = 0
	}
	return s.anchor + elapsed
}

// ServerNow is the estimated authority monotonic time.
func (s *Scheduler) ServerNow() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(math.Round(s.serverNowLocked()))
}

// ExpectedPosition is the room position implied by the current anchor.
func (s *Scheduler) ExpectedPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return s.anchor
	}
	return s.expectedLocked()
}

func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// AwaitingGesture reports whether a start is parked until OnUserGesture.
func (s *Scheduler) AwaitingGesture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// resetLocked cancels everything scheduled for the previous timeline.
func (s *Scheduler) resetLocked() {
	s.epoch++
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}
	s.stopNudgeLocked()
	s.waiting = false
	s.started = false
	if s.media.Rate() != 1 {
		s.media.SetRate(1)
	}
}

func (s *Scheduler) stopNudgeLocked() {
	s.nudgeGen++
	if s.nudgeTimer != nil {
		s.nudgeTimer.Stop()
		s.nudgeTimer = nil
	}
}

// ScheduleStart plays from positionMs at server instant masterClockMs. The
// media is positioned first and started when the local equivalent of the
// instant arrives. An instant already in the past starts immediately with
// the position advanced by the overrun. The returned duration is the local
// wait, negative when late.
func (s *Scheduler) ScheduleStart(positionMs, masterClockMs int64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.playing = true
	s.anchor = positionMs
	s.anchorAt = masterClockMs

	wait := s.localInstantLocked(masterClockMs).Sub(s.clock.Now())
	if wait <= 0 {
		s.startLocked()
		return wait
	}

	s.media.Pause()
	s.media.Seek(positionMs)
	s.armStartLocked(wait)
	return wait
}

func (s *Scheduler) armStartLocked(wait time.Duration) {
	epoch := s.epoch
	s.startTimer = s.clock.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != epoch {
			return
		}
		s.startTimer = nil
		s.startLocked()
	})
}

// Retarget moves a pending start to the local instant implied by the
// current offset estimate. It reports whether a start was pending.
func (s *Scheduler) Retarget() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTimer == nil {
		return false
	}

	// A timer that already fired but is waiting on mu must not start.
	s.epoch++
	s.startTimer.Stop()
	s.startTimer = nil

	wait := s.localInstantLocked(s.anchorAt).Sub(s.clock.Now())
	if wait <= 0 {
		s.startLocked()
		return true
	}
	s.armStartLocked(wait)
	return true
}

// Align re-anchors the timeline. Media already playing is corrected in
// place by the drift policy instead of restarting.
func (s *Scheduler) Align(positionMs, masterClockMs int64) {
	s.mu.Lock()
	if s.playing && s.started && s.media.Playing() {
		s.anchor = positionMs
		s.anchorAt = masterClockMs
		s.mu.Unlock()
		s.CorrectDrift()
		return
	}
	s.mu.Unlock()
	s.ScheduleStart(positionMs, masterClockMs)
}

// Resync applies an authority override unconditionally: a playing device
// is moved straight to the corrected position.
func (s *Scheduler) Resync(positionMs, masterClockMs int64, playing bool) {
	if !playing {
		s.Pause(positionMs)
		return
	}

	s.mu.Lock()
	if s.playing && s.started && s.media.Playing() {
		s.anchor = positionMs
		s.anchorAt = masterClockMs
		s.stopNudgeLocked()
		s.media.SetRate(1)
		s.media.Seek(s.expectedLocked())
		s.lastSnap = s.clock.Now()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.ScheduleStart(positionMs, masterClockMs)
}

// startLocked seeks to where the timeline is now and starts the media.
func (s *Scheduler) startLocked() {
	pos := s.expectedLocked()
	s.media.Seek(pos)

	if err := s.media.Play(); err != nil {
		if errors.Is(err, ErrGestureRequired) {
			s.waiting = true
			logger.Info("playback start waiting for user gesture", logger.Int64("positionMs", pos))
			return
		}
		logger.Warn("media failed to start", logger.ErrorField(err), logger.Int64("positionMs", pos))
		return
	}
	s.started = true
	logger.Debug("playback started",
		logger.Int64("positionMs", pos),
		logger.Int64("anchorAt", s.anchorAt))
}

// OnUserGesture retries a start the platform blocked. The target position
// is derived again from the anchor, not taken from the blocked attempt.
func (s *Scheduler) OnUserGesture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waiting || !s.playing {
		return
	}
	s.waiting = false
	s.startLocked()
}

// Pause stops the timeline at positionMs.
func (s *Scheduler) Pause(positionMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.playing = false
	s.anchor = positionMs
	s.media.Pause()
	s.media.Seek(positionMs)
}

// CorrectDrift compares the media position with the timeline once and
// applies the matching tier: snap above the snap threshold, a temporary
// rate nudge above the nudge threshold, otherwise nothing with the rate
// restored. drift is positive when the media is ahead.
func (s *Scheduler) CorrectDrift() (action DriftAction, drift int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing || !s.started || !s.media.Playing() {
		return DriftNone, 0
	}

	expected := s.expectedLocked()
	drift = s.media.Position() - expected
	abs := time.Duration(drift) * time.Millisecond
	if abs < 0 {
		abs = -abs
	}
	now := s.clock.Now()

	switch {
	case abs > s.policy.SnapThreshold:
		if now.Sub(s.lastSnap) < s.policy.SnapCooldown {
			return DriftNone, drift
		}
		s.stopNudgeLocked()
		s.media.SetRate(1)
		s.media.Seek(expected)
		s.lastSnap = now
		logger.Info("drift snap", logger.Int64("driftMs", drift), logger.Int64("positionMs", expected))
		return DriftSnap, drift

	case abs > s.policy.NudgeThreshold:
		rate := 1 + s.policy.NudgeRate
		if drift > 0 {
			rate = 1 - s.policy.NudgeRate
		}
		s.stopNudgeLocked()
		s.media.SetRate(rate)
		gen := s.nudgeGen
		s.nudgeTimer = s.clock.AfterFunc(s.policy.NudgeWindow, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.nudgeGen != gen {
				return
			}
			s.nudgeTimer = nil
			s.media.SetRate(1)
		})
		logger.Debug("drift nudge", logger.Int64("driftMs", drift), logger.Float64("rate", rate))
		return DriftNudge, drift

	default:
		s.stopNudgeLocked()
		if s.media.Rate() != 1 {
			s.media.SetRate(1)
		}
		return DriftNone, drift
	}
}

// Run checks drift every policy interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CorrectDrift()
		}
	}
}
