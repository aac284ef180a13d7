package player

import (
	"context"
	"errors"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// ErrGestureRequired is returned by Media.Play when the platform refuses to
// start audio without a user interaction.
var ErrGestureRequired = errors.New("playback requires a user gesture")

// Media is the local media element the scheduler drives. Positions are in
// milliseconds.
type Media interface {
	Load(ctx context.Context, audioURL string) error
	Play() error
	Pause()
	Playing() bool
	Position() int64
	Seek(positionMs int64)
	Rate() float64
	SetRate(rate float64)
}

// SimulatedMedia is a clock-driven stand-in for a real audio element, used
// by the headless listener and by tests. Position advances at the playback
// rate from the last anchor.
type SimulatedMedia struct {
	clock bclock.Clock

	// LoadDelay is how long Load takes to "buffer" a new URL.
	LoadDelay time.Duration

	mu         sync.Mutex
	url        string
	playing    bool
	basePos    float64
	baseAt     time.Time
	rate       float64
	needsTouch bool
	unlocked   bool
	startedAt  time.Time
}

func NewSimulatedMedia(c bclock.Clock) *SimulatedMedia {
	if c == nil {
		c = bclock.New()
	}
	return &SimulatedMedia{clock: c, rate: 1}
}

// RequireGesture makes Play fail with ErrGestureRequired until Unlock.
func (m *SimulatedMedia) RequireGesture() {
	m.mu.Lock()
	m.needsTouch = true
	m.mu.Unlock()
}

// Unlock records a user gesture.
func (m *SimulatedMedia) Unlock() {
	m.mu.Lock()
	m.unlocked = true
	m.mu.Unlock()
}

func (m *SimulatedMedia) Load(ctx context.Context, audioURL string) error {
	m.mu.Lock()
	if m.url == audioURL {
		m.mu.Unlock()
		return nil
	}
	delay := m.LoadDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = audioURL
	m.playing = false
	m.basePos = 0
	m.baseAt = m.clock.Now()
	return nil
}

// URL is the loaded source.
func (m *SimulatedMedia) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

func (m *SimulatedMedia) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.needsTouch && !m.unlocked {
		return ErrGestureRequired
	}
	if m.playing {
		return nil
	}
	m.baseAt = m.clock.Now()
	m.playing = true
	m.startedAt = m.baseAt
	return nil
}

func (m *SimulatedMedia) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebaseLocked()
	m.playing = false
}

func (m *SimulatedMedia) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

// StartedAt is the instant of the most recent transition into playing.
func (m *SimulatedMedia) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

func (m *SimulatedMedia) Position() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.positionLocked())
}

func (m *SimulatedMedia) Seek(positionMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if positionMs < 0 {
		positionMs = 0
	}
	m.basePos = float64(positionMs)
	m.baseAt = m.clock.Now()
}

func (m *SimulatedMedia) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

func (m *SimulatedMedia) SetRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebaseLocked()
	m.rate = rate
}

func (m *SimulatedMedia) positionLocked() float64 {
	if !m.playing {
		return m.basePos
	}
	elapsed := float64(m.clock.Since(m.baseAt)) / float64(time.Millisecond)
	return m.basePos + elapsed*m.rate
}

func (m *SimulatedMedia) rebaseLocked() {
	m.basePos = m.positionLocked()
	m.baseAt = m.clock.Now()
}
