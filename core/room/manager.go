package room

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"syncfm/core/clock"
	"syncfm/logger"
	"syncfm/model"
)

var (
	ErrNotHost   = errors.New("only the host may control playback")
	ErrNotJoined = errors.New("connection has not joined a room")
)

const presenceTimeout = 2 * time.Second

// PresenceTracker mirrors membership and playback to an external store. It
// is written to, never read from.
type PresenceTracker interface {
	Join(ctx context.Context, roomCode string, p *model.Presence) error
	Leave(ctx context.Context, roomCode, connID string) error
	Touch(ctx context.Context, roomCode, connID string) error
	PublishPlayback(ctx context.Context, roomCode string, snap *model.PlaybackSnapshot) error
	DeleteRoom(ctx context.Context, roomCode string) error
}

// Manager routes device frames to rooms. Each room is guarded by its own
// lock, so work in different rooms proceeds in parallel.
type Manager struct {
	store    *Store
	clock    *clock.Authority
	policy   atomic.Pointer[Policy]
	presence PresenceTracker
}

// NewManager builds a router over store. presence may be nil.
func NewManager(store *Store, clk *clock.Authority, policy Policy, presence PresenceTracker) *Manager {
	m := &Manager{store: store, clock: clk, presence: presence}
	m.policy.Store(&policy)
	return m
}

// Policy returns the timing policy in effect.
func (m *Manager) Policy() Policy {
	return *m.policy.Load()
}

// SetPolicy swaps the timing policy. Pending timers keep the delays they
// were scheduled with.
func (m *Manager) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.policy.Store(&p)
	return nil
}

// Rooms reports how many rooms are live.
func (m *Manager) Rooms() int {
	return m.store.Len()
}

// HandleMessage processes one inbound frame from c. Frames that do not parse
// are dropped; rejected requests are answered with an error frame.
func (m *Manager) HandleMessage(ctx context.Context, c *Client, data []byte) {
	msg, err := DecodeInbound(data)
	if err != nil {
		logger.Debug("dropping inbound frame",
			logger.ErrorField(err),
			logger.String("conn", c.ID),
			logger.String("room", c.RoomCode()))
		return
	}

	switch req := msg.(type) {
	case *JoinRequest:
		err = m.join(ctx, c, req)
	case *TimePing:
		m.timePing(ctx, c, req)
	case *PlayRequest:
		err = m.play(c, req)
	case *HealthCheckResponse:
		m.healthCheckResponse(c, req)
	case *PauseRequest:
		err = m.pause(ctx, c)
	case *ResumeRequest:
		err = m.resume(ctx, c, req)
	case *SeekRequest:
		err = m.seek(ctx, c, req)
	case *TrackChangeRequest:
		err = m.changeTrack(ctx, c, req)
	case *PlaybackStateRequest:
		err = m.playbackState(c)
	case *SyncCheck:
		m.syncCheck(c, req)
	}

	if err != nil {
		m.reject(c, msg.Kind(), err)
	}
}

func (m *Manager) reject(c *Client, kind MessageType, err error) {
	code := CodeBadRequest
	switch {
	case errors.Is(err, ErrNotHost):
		code = CodeNotHost
	case errors.Is(err, ErrNoTrack):
		code = CodeNoTrack
	case errors.Is(err, ErrNotJoined):
		code = CodeNotJoined
	}
	logger.Warn("request rejected",
		logger.ErrorField(err),
		logger.String("type", string(kind)),
		logger.String("code", code),
		logger.String("conn", c.ID),
		logger.String("user", c.UserID()),
		logger.String("room", c.RoomCode()))
	sendTo(c, errorReply(code, err.Error()))
}

// lockMemberRoom returns the room c belongs to with its lock held, or nil.
func (m *Manager) lockMemberRoom(c *Client) *Room {
	code := c.RoomCode()
	if code == "" {
		return nil
	}
	r := m.store.Get(code)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed || r.clients[c.ID] == nil {
		r.mu.Unlock()
		return nil
	}
	return r
}

// lockHostRoom is lockMemberRoom plus the host check.
func (m *Manager) lockHostRoom(c *Client) (*Room, error) {
	r := m.lockMemberRoom(c)
	if r == nil {
		return nil, ErrNotJoined
	}
	if !r.isHostLocked(c) {
		r.mu.Unlock()
		return nil, ErrNotHost
	}
	return r, nil
}

// leadOr resolves a client's startDelayMs: unset or non-positive means the
// policy default, anything above max is rejected.
func leadOr(requested Millis, fallback, max time.Duration) (time.Duration, error) {
	if requested <= 0 {
		return fallback, nil
	}
	if int64(requested) > ms(max) {
		return 0, fmt.Errorf("%w: startDelayMs must not exceed %d", ErrMalformed, ms(max))
	}
	return time.Duration(requested) * time.Millisecond, nil
}

// ---------- membership ----------

func (m *Manager) join(ctx context.Context, c *Client, req *JoinRequest) error {
	if req.RoomCode == "" || req.UserID == "" {
		return fmt.Errorf("%w: roomCode and userId are required", ErrMalformed)
	}
	if prev := c.RoomCode(); prev != "" && prev != req.RoomCode {
		m.leave(ctx, c)
	}

	policy := m.Policy()
	r, created := m.store.acquire(req.RoomCode, req.HostID)
	defer r.mu.Unlock()

	if r.hostID == "" {
		r.hostID = req.HostID
	}
	_, rejoin := r.clients[c.ID]
	c.bind(r.Code, req.UserID)
	r.clients[c.ID] = c

	now := m.clock.Now()
	isHost := r.isHostLocked(c)
	sendTo(c, &Joined{
		Type:                MsgJoined,
		WsID:                c.ID,
		RoomCode:            r.Code,
		HostUserID:          r.hostID,
		IsHost:              isHost,
		TotalClients:        len(r.clients),
		ServerTimeUnix:      m.clock.MonotonicToUnix(now),
		ServerTimeMonotonic: now,
	})
	sendTo(c, r.state.Snapshot(policy.LateJoinLead))

	if hs := r.handshake; hs != nil {
		sendTo(c, hs.prepareMessage())
		sendTo(c, hs.healthCheckMessage())
	}
	if !rejoin {
		r.broadcastLocked(&MembershipNotice{
			Type:         MsgUserJoined,
			UserID:       req.UserID,
			TotalClients: len(r.clients),
		}, c.ID)
	}

	logger.Info("device joined room",
		logger.String("room", r.Code),
		logger.String("conn", c.ID),
		logger.String("user", req.UserID),
		logger.Bool("host", isHost),
		logger.Bool("created", created),
		logger.Int("devices", len(r.clients)))

	presence := &model.Presence{ConnID: c.ID, UserID: req.UserID, IsHost: isHost, JoinedAt: m.clock.MonotonicToUnix(now)}
	code := r.Code
	m.mirror(ctx, "join", code, func(ctx context.Context, p PresenceTracker) error {
		return p.Join(ctx, code, presence)
	})
	return nil
}

// Disconnect removes c from its room. The last device out tears the room
// down.
func (m *Manager) Disconnect(c *Client) {
	m.leave(context.Background(), c)
}

func (m *Manager) leave(ctx context.Context, c *Client) {
	r := m.lockMemberRoom(c)
	if r == nil {
		return
	}
	userID := c.UserID()
	delete(r.clients, c.ID)
	c.unbind()
	code := r.Code

	if len(r.clients) == 0 {
		m.cancelHandshakeLocked(r, "room empty")
		r.closed = true
		r.mu.Unlock()
		m.store.remove(r)

		logger.Info("room closed",
			logger.String("room", code),
			logger.String("conn", c.ID),
			logger.String("user", userID))
		m.mirror(ctx, "delete room", code, func(ctx context.Context, p PresenceTracker) error {
			return p.DeleteRoom(ctx, code)
		})
		return
	}

	r.broadcastLocked(&MembershipNotice{
		Type:         MsgUserLeft,
		UserID:       userID,
		TotalClients: len(r.clients),
	}, "")
	if r.handshake != nil {
		m.evaluateHandshakeLocked(r, tierResponse)
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	logger.Info("device left room",
		logger.String("room", code),
		logger.String("conn", c.ID),
		logger.String("user", userID),
		logger.Int("devices", remaining))
	connID := c.ID
	m.mirror(ctx, "leave", code, func(ctx context.Context, p PresenceTracker) error {
		return p.Leave(ctx, code, connID)
	})
}

// ---------- clock sync ----------

// timePing answers immediately; the timestamps are taken as late as possible
// so the device's RTT covers only transport.
func (m *Manager) timePing(ctx context.Context, c *Client, req *TimePing) {
	pong := &TimePong{Type: MsgTimePong, ID: req.ID, T0: req.T0}

	if r := m.lockMemberRoom(c); r != nil {
		pong.PlaybackPosition = r.state.Position()
		pong.IsPlaying = r.state.IsPlaying()
		r.mu.Unlock()

		code, connID := r.Code, c.ID
		defer m.mirror(ctx, "touch", code, func(ctx context.Context, p PresenceTracker) error {
			return p.Touch(ctx, code, connID)
		})
	}

	now := m.clock.Now()
	pong.ServerTimeMonotonic = now
	pong.ServerTimeUnix = m.clock.MonotonicToUnix(now)
	sendTo(c, pong)
}

// ---------- handshake entry points ----------

func (m *Manager) play(c *Client, req *PlayRequest) error {
	track := model.Track{AudioURL: req.AudioURL, DurationMs: int64(req.Duration), Title: req.Title}
	if !track.Valid() {
		return fmt.Errorf("%w: audioUrl is required", ErrMalformed)
	}
	policy := m.Policy()
	lead, err := leadOr(req.StartDelayMs, policy.PlayLead, policy.MaxStartDelay)
	if err != nil {
		return err
	}
	r, err := m.lockHostRoom(c)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	now := m.clock.Now()
	if g := r.lastPlay; g.seen && g.audioURL == track.AudioURL && now-g.at < ms(policy.PlayDebounce) {
		logger.Debug("duplicate play request ignored",
			logger.String("room", r.Code),
			logger.String("conn", c.ID),
			logger.String("audioUrl", track.AudioURL))
		return nil
	}
	r.lastPlay = playRequestGuard{audioURL: track.AudioURL, at: now, seen: true}

	m.beginHandshakeLocked(r, &track, lead)
	return nil
}

func (m *Manager) healthCheckResponse(c *Client, resp *HealthCheckResponse) {
	r := m.lockMemberRoom(c)
	if r == nil {
		return
	}
	defer r.mu.Unlock()
	m.recordReadinessLocked(r, c, resp)
}

// ---------- transport control ----------

func (m *Manager) pause(ctx context.Context, c *Client) error {
	r, err := m.lockHostRoom(c)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	cmd, err := r.state.Pause()
	if err != nil {
		return err
	}
	m.cancelHandshakeLocked(r, "pause")
	r.broadcastLocked(cmd, "")
	m.logTransition(r, c, MsgPause, cmd.PausedAtMs, cmd.MasterClockMs)
	m.mirrorPlaybackLockedCtx(ctx, r)
	return nil
}

func (m *Manager) resume(ctx context.Context, c *Client, req *ResumeRequest) error {
	policy := m.Policy()
	lead, err := leadOr(req.StartDelayMs, policy.PauseResumeLead, policy.MaxStartDelay)
	if err != nil {
		return err
	}
	r, err := m.lockHostRoom(c)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	cmd, err := r.state.Resume(lead)
	if err != nil {
		return err
	}
	r.broadcastLocked(cmd, "")
	m.logTransition(r, c, MsgResume, cmd.PlaybackPositionMs, cmd.MasterClockMs)
	m.mirrorPlaybackLockedCtx(ctx, r)
	return nil
}

func (m *Manager) seek(ctx context.Context, c *Client, req *SeekRequest) error {
	policy := m.Policy()
	lead, err := leadOr(req.StartDelayMs, policy.SeekLead, policy.MaxStartDelay)
	if err != nil {
		return err
	}
	r, err := m.lockHostRoom(c)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	cmd, err := r.state.Seek(int64(req.SeekPositionMs), lead)
	if err != nil {
		return err
	}
	r.broadcastLocked(cmd, "")
	m.logTransition(r, c, MsgSeek, cmd.PlaybackPositionMs, cmd.MasterClockMs)
	m.mirrorPlaybackLockedCtx(ctx, r)
	return nil
}

// changeTrack loads a new track paused at zero so devices preload it; a later
// PLAY starts it.
func (m *Manager) changeTrack(ctx context.Context, c *Client, req *TrackChangeRequest) error {
	track := req.TrackData.Track()
	if !track.Valid() {
		return fmt.Errorf("%w: trackData.audioUrl is required", ErrMalformed)
	}
	r, err := m.lockHostRoom(c)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	m.cancelHandshakeLocked(r, "track change")
	state := r.state.SetTrack(track)
	r.broadcastLocked(state, "")
	m.logTransition(r, c, MsgTrackChange, 0, m.clock.Now())
	m.mirrorPlaybackLockedCtx(ctx, r)
	return nil
}

func (m *Manager) logTransition(r *Room, c *Client, kind MessageType, positionMs, masterClockMs int64) {
	logger.Info("playback transition",
		logger.String("room", r.Code),
		logger.String("type", string(kind)),
		logger.String("conn", c.ID),
		logger.String("user", c.UserID()),
		logger.Int64("positionMs", positionMs),
		logger.Int64("masterClockMs", masterClockMs))
}

// ---------- snapshots and drift backstop ----------

func (m *Manager) playbackState(c *Client) error {
	r := m.lockMemberRoom(c)
	if r == nil {
		return ErrNotJoined
	}
	defer r.mu.Unlock()
	sendTo(c, r.state.Snapshot(m.Policy().LateJoinLead))
	return nil
}

// syncCheck compares a device's reported position with the authority's and
// orders a hard resync of that device when they disagree by more than the
// threshold.
func (m *Manager) syncCheck(c *Client, req *SyncCheck) {
	r := m.lockMemberRoom(c)
	if r == nil {
		return
	}
	defer r.mu.Unlock()

	if r.state.Track() == nil {
		return
	}
	now := m.clock.Now()
	authoritative := r.state.positionAt(now)
	drift := int64(req.ClientPosition) - authoritative
	if drift < 0 {
		drift = -drift
	}
	if drift <= ms(m.Policy().ResyncThreshold) {
		return
	}

	sendTo(c, &ResyncCommand{
		Type:              MsgResync,
		CorrectPositionMs: authoritative,
		MasterClockMs:     now,
		IsPlaying:         r.state.IsPlaying(),
	})
	logger.Warn("device drifted past resync threshold",
		logger.String("room", r.Code),
		logger.String("conn", c.ID),
		logger.String("user", c.UserID()),
		logger.Int64("clientPositionMs", int64(req.ClientPosition)),
		logger.Int64("positionMs", authoritative),
		logger.Int64("driftMs", drift))
}

// ---------- presence mirror ----------

func (m *Manager) mirrorPlaybackLocked(r *Room) {
	m.mirrorPlaybackLockedCtx(context.Background(), r)
}

func (m *Manager) mirrorPlaybackLockedCtx(ctx context.Context, r *Room) {
	if m.presence == nil {
		return
	}
	snap := r.state.Record(m.clock.UnixNow())
	code := r.Code
	m.mirror(ctx, "playback", code, func(ctx context.Context, p PresenceTracker) error {
		return p.PublishPlayback(ctx, code, snap)
	})
}

// mirror runs fn against the presence store in the background. Failures are
// logged and otherwise ignored.
func (m *Manager) mirror(ctx context.Context, op, roomCode string, fn func(ctx context.Context, p PresenceTracker) error) {
	if m.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
		defer cancel()
		if err := fn(ctx, m.presence); err != nil {
			logger.Warn("presence mirror failed",
				logger.ErrorField(err),
				logger.String("op", op),
				logger.String("room", roomCode))
		}
	}()
}

// ---------- inspection ----------

// RoomInfo is a point-in-time summary of a live room.
type RoomInfo struct {
	Code             string                  `json:"roomCode"`
	HostUserID       string                  `json:"hostUserId"`
	Devices          int                     `json:"totalClients"`
	HandshakePending bool                    `json:"handshakePending"`
	Playback         *model.PlaybackSnapshot `json:"playback"`
}

// Describe summarizes the room registered under code.
func (m *Manager) Describe(code string) (*RoomInfo, bool) {
	r := m.store.Get(code)
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	return &RoomInfo{
		Code:             r.Code,
		HostUserID:       r.hostID,
		Devices:          len(r.clients),
		HandshakePending: r.handshake != nil,
		Playback:         r.state.Record(m.clock.UnixNow()),
	}, true
}
