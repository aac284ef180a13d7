package room

import (
	"time"

	"syncfm/logger"
	"syncfm/model"

	"github.com/google/uuid"
)

// pendingHandshake is a play request waiting for devices to confirm they
// have the track loaded. At most one exists per room.
type pendingHandshake struct {
	generation     uint64
	checkID        string
	track          model.Track
	baseStartDelay time.Duration
	responses      map[string]struct{} // connection ids
	initiatedAt    int64
}

type handshakeTier int

const (
	tierFirstCheck handshakeTier = iota
	tierSoftTimeout
	tierHardTimeout
	tierResponse
)

func (t handshakeTier) String() string {
	switch t {
	case tierFirstCheck:
		return "first_check"
	case tierSoftTimeout:
		return "soft_timeout"
	case tierHardTimeout:
		return "hard_timeout"
	case tierResponse:
		return "response"
	}
	return "unknown"
}

// readinessSufficient is the consensus rule: everyone in rooms of up to two
// devices, otherwise at least two thirds.
func readinessSufficient(ready, total int) bool {
	if total == 0 {
		return false
	}
	if total <= 2 {
		return ready >= total
	}
	return ready*3 >= total*2
}

// beginHandshakeLocked starts a new negotiation for track, superseding any
// pending one. Every member is sent PREPARE_TRACK and a HEALTH_CHECK
// with the same check id, and the three finalize checks are scheduled
// against the new generation.
func (m *Manager) beginHandshakeLocked(r *Room, track *model.Track, startDelay time.Duration) {
	policy := m.Policy()

	r.generation++
	hs := &pendingHandshake{
		generation:     r.generation,
		checkID:        uuid.NewString(),
		track:          *track,
		baseStartDelay: startDelay,
		responses:      make(map[string]struct{}),
		initiatedAt:    m.clock.Now(),
	}
	r.handshake = hs

	r.broadcastLocked(hs.prepareMessage(), "")
	r.broadcastLocked(hs.healthCheckMessage(), "")

	logger.Info("play handshake started",
		logger.String("room", r.Code),
		logger.String("checkId", hs.checkID),
		logger.String("audioUrl", track.AudioURL),
		logger.Int("devices", len(r.clients)),
		logger.Uint64("generation", hs.generation))

	gen := hs.generation
	schedule := []struct {
		after time.Duration
		tier  handshakeTier
	}{
		{policy.HandshakeFirstCheck, tierFirstCheck},
		{policy.HandshakeSoftTimeout, tierSoftTimeout},
		{policy.HandshakeHardTimeout, tierHardTimeout},
	}
	for _, step := range schedule {
		tier := step.tier
		m.clock.AfterFunc(step.after, func() {
			m.checkHandshake(r, gen, tier)
		})
	}
}

func (hs *pendingHandshake) prepareMessage() *PrepareTrack {
	return &PrepareTrack{
		Type:     MsgPrepareTrack,
		CheckID:  hs.checkID,
		AudioURL: hs.track.AudioURL,
		Duration: hs.track.DurationMs,
		Title:    hs.track.Title,
	}
}

func (hs *pendingHandshake) healthCheckMessage() *HealthCheck {
	return &HealthCheck{Type: MsgHealthCheck, CheckID: hs.checkID, AudioURL: hs.track.AudioURL}
}

// checkHandshake is the body of every scheduled tier. A callback whose
// generation is no longer current does nothing.
func (m *Manager) checkHandshake(r *Room, gen uint64, tier handshakeTier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.handshake == nil || r.handshake.generation != gen {
		return
	}
	m.evaluateHandshakeLocked(r, tier)
}

// recordReadinessLocked stores an acknowledgement and finalizes early when
// consensus is already reached.
func (m *Manager) recordReadinessLocked(r *Room, c *Client, resp *HealthCheckResponse) {
	hs := r.handshake
	if hs == nil || resp.CheckID != hs.checkID {
		logger.Debug("stale health check response",
			logger.String("room", r.Code),
			logger.String("conn", c.ID),
			logger.String("checkId", resp.CheckID))
		return
	}
	if !resp.AudioLoaded && !resp.DeviceReady {
		return
	}
	if !c.markHealthCheck(resp.CheckID) {
		return
	}
	hs.responses[c.ID] = struct{}{}

	m.evaluateHandshakeLocked(r, tierResponse)
}

// readyCountLocked counts responses from devices still in the room.
func (r *Room) readyCountLocked() int {
	ready := 0
	for id := range r.handshake.responses {
		if _, ok := r.clients[id]; ok {
			ready++
		}
	}
	return ready
}

func (m *Manager) evaluateHandshakeLocked(r *Room, tier handshakeTier) {
	ready := r.readyCountLocked()
	total := len(r.clients)
	sufficient := readinessSufficient(ready, total)

	switch tier {
	case tierResponse, tierFirstCheck:
		if sufficient {
			m.finalizeHandshakeLocked(r, tier, true)
		}
	case tierSoftTimeout:
		if sufficient || ready >= 1 {
			m.finalizeHandshakeLocked(r, tier, sufficient)
		}
	case tierHardTimeout:
		m.finalizeHandshakeLocked(r, tier, sufficient)
	}
}

// finalizeHandshakeLocked commits the start anchor and broadcasts PLAY. A
// forced start gets a longer lead so laggards get one more buffering margin.
func (m *Manager) finalizeHandshakeLocked(r *Room, tier handshakeTier, clean bool) {
	policy := m.Policy()
	hs := r.handshake

	lead := hs.baseStartDelay + policy.HandshakeForcedMargin
	if clean {
		lead = hs.baseStartDelay + policy.HandshakeCleanMargin
	}

	cmd := r.state.Start(&hs.track, lead)
	cmd.CheckID = hs.checkID
	cmd.Forced = !clean

	r.handshake = nil
	r.broadcastLocked(cmd, "")

	logger.Info("play handshake finalized",
		logger.String("room", r.Code),
		logger.String("checkId", hs.checkID),
		logger.String("tier", tier.String()),
		logger.Bool("clean", clean),
		logger.Int("ready", len(hs.responses)),
		logger.Int("devices", len(r.clients)),
		logger.Int64("elapsedMs", m.clock.Now()-hs.initiatedAt),
		logger.Int64("masterClockMs", cmd.MasterClockMs))

	m.mirrorPlaybackLocked(r)
}

// cancelHandshakeLocked drops a pending handshake; its timers become no-ops.
func (m *Manager) cancelHandshakeLocked(r *Room, reason string) {
	if r.handshake == nil {
		return
	}
	logger.Info("play handshake cancelled",
		logger.String("room", r.Code),
		logger.String("checkId", r.handshake.checkID),
		logger.String("reason", reason))
	r.handshake = nil
	r.generation++
}
