package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"syncfm/core/room"
	"syncfm/logger"
	"syncfm/model"

	bclock "github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("not connected")

const commandQueue = 64

// Config describes one device session.
type Config struct {
	ServerURL string // ws://host:port/ws
	RoomCode  string
	UserID    string
	HostID    string

	BurstSize     int
	BurstSpan     time.Duration
	SyncInterval  time.Duration
	SyncCheck     time.Duration
	Window        int
	Drift         DriftPolicy
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// WithDefaults fills every unset tuning value.
func (c Config) WithDefaults() Config {
	if c.BurstSize <= 0 {
		c.BurstSize = 7
	}
	if c.BurstSpan <= 0 {
		c.BurstSpan = 500 * time.Millisecond
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 1500 * time.Millisecond
	}
	if c.SyncCheck <= 0 {
		c.SyncCheck = 5 * time.Second
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Drift == (DriftPolicy{}) {
		c.Drift = DefaultDriftPolicy()
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 15 * time.Second
	}
	return c
}

// Stats is a snapshot of the device's sync state.
type Stats struct {
	Connected        bool
	WsID             string
	IsHost           bool
	Offset           float64
	FilteredOffset   float64
	Jitter           float64
	Quality          int
	Playing          bool
	PositionMs       int64
	ExpectedPosition int64
}

// Device is a room member: it keeps a connection to the router open,
// re-joining after every reconnect, measures the clock offset and follows
// the room's playback commands on its media element.
type Device struct {
	cfg    Config
	clock  bclock.Clock
	dialer *websocket.Dialer
	media  Media
	est    *OffsetEstimator
	sched  *Scheduler

	connMu sync.Mutex // protects writes and conn
	conn   *websocket.Conn

	mu       sync.Mutex
	wsID     string
	isHost   bool
	prepared map[string]bool // check ids already answered or in flight
	pingSeq int64
	loadCtx  context.Context

	// Playback commands are applied in arrival order by followCommands,
	// away from the read loop.
	commands chan room.Outbound
	synced   chan struct{} // closed by the first offset sample
	syncOnce sync.Once
}

func NewDevice(cfg Config, media Media, c bclock.Clock) *Device {
	cfg = cfg.WithDefaults()
	if c == nil {
		c = bclock.New()
	}
	est := NewOffsetEstimator(cfg.Window)
	return &Device{
		cfg:      cfg,
		clock:    c,
		dialer:   websocket.DefaultDialer,
		media:    media,
		est:      est,
		sched:    NewScheduler(c, media, est, cfg.Drift),
		prepared: make(map[string]bool),
		loadCtx:  context.Background(),
		commands: make(chan room.Outbound, commandQueue),
		synced:   make(chan struct{}),
	}
}

func (d *Device) Estimator() *OffsetEstimator { return d.est }
func (d *Device) Scheduler() *Scheduler       { return d.sched }

// Stats reports the current sync state.
func (d *Device) Stats() Stats {
	d.connMu.Lock()
	connected := d.conn != nil
	d.connMu.Unlock()

	d.mu.Lock()
	wsID, isHost := d.wsID, d.isHost
	d.mu.Unlock()

	return Stats{
		Connected:        connected,
		WsID:             wsID,
		IsHost:           isHost,
		Offset:           d.est.Offset(),
		FilteredOffset:   d.est.FilteredOffset(),
		Jitter:           d.est.Jitter(),
		Quality:          d.est.Quality(),
		Playing:          d.sched.Playing(),
		PositionMs:       d.media.Position(),
		ExpectedPosition: d.sched.ExpectedPosition(),
	}
}

// Run connects and keeps reconnecting with jittered exponential backoff
// until ctx is done. It always returns ctx.Err().
func (d *Device) Run(ctx context.Context) error {
	driftCtx, stopDrift := context.WithCancel(ctx)
	defer stopDrift()
	go d.sched.Run(driftCtx)
	go d.followCommands(driftCtx)

	attempt := 0
	for {
		conn, _, err := d.dialer.DialContext(ctx, d.cfg.ServerURL, nil)
		if err == nil {
			attempt = 0
			err = d.session(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff(attempt, d.cfg.ReconnectBase, d.cfg.ReconnectMax)
		attempt++
		logger.Warn("device disconnected, retrying",
			logger.ErrorField(err),
			logger.String("room", d.cfg.RoomCode),
			logger.Int("attempt", attempt),
			logger.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(wait):
		}
	}
}

// backoff is base*2^attempt capped at max, scaled by a random factor in
// [0.5, 1).
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()/2))
}

// session runs one connection until it fails or ctx is done.
func (d *Device) session(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()

	d.mu.Lock()
	d.prepared = make(map[string]bool)
	d.loadCtx = connCtx
	d.mu.Unlock()

	defer func() {
		d.connMu.Lock()
		d.conn = nil
		d.connMu.Unlock()
		conn.Close()
	}()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	// State from a previous session is never trusted.
	if err := d.Send(&room.JoinRequest{RoomCode: d.cfg.RoomCode, UserID: d.cfg.UserID, HostID: d.cfg.HostID}, room.MsgJoin); err != nil {
		return err
	}
	if err := d.Send(&room.PlaybackStateRequest{RoomCode: d.cfg.RoomCode}, room.MsgGetPlaybackState); err != nil {
		return err
	}

	go d.pingLoop(connCtx)
	go d.syncCheckLoop(connCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if connCtx.Err() != nil {
				return connCtx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		d.handle(data, d.nowMs())
	}
}

// Send writes one frame tagged with kind.
func (d *Device) Send(msg any, kind room.MessageType) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	fields["type"], _ = json.Marshal(kind)

	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return ErrNotConnected
	}
	return d.conn.WriteJSON(fields)
}

// ---------- host controls ----------

// Play asks the room to start track after a handshake. startDelay 0 uses
// the server default.
func (d *Device) Play(track model.Track, startDelay time.Duration) error {
	return d.Send(&room.PlayRequest{
		AudioURL:     track.AudioURL,
		Duration:     room.Millis(track.DurationMs),
		Title:        track.Title,
		StartDelayMs: room.Millis(startDelay.Milliseconds()),
	}, room.MsgPlay)
}

func (d *Device) Pause() error {
	pos := room.Millis(d.media.Position())
	return d.Send(&room.PauseRequest{CurrentTime: &pos}, room.MsgPause)
}

func (d *Device) Resume(startDelay time.Duration) error {
	return d.Send(&room.ResumeRequest{StartDelayMs: room.Millis(startDelay.Milliseconds())}, room.MsgResume)
}

func (d *Device) Seek(positionMs int64, startDelay time.Duration) error {
	return d.Send(&room.SeekRequest{
		SeekPositionMs: room.Millis(positionMs),
		StartDelayMs:   room.Millis(startDelay.Milliseconds()),
	}, room.MsgSeek)
}

func (d *Device) ChangeTrack(track model.Track) error {
	return d.Send(&room.TrackChangeRequest{TrackData: room.TrackData{
		AudioURL: track.AudioURL,
		Duration: room.Millis(track.DurationMs),
		Title:    track.Title,
	}}, room.MsgTrackChange)
}

// ---------- background loops ----------

func (d *Device) nowMs() float64 {
	return float64(d.clock.Now().UnixMicro()) / 1000
}

// pingLoop sends a burst of time_ping frames spread over BurstSpan, every
// SyncInterval.
func (d *Device) pingLoop(ctx context.Context) {
	gap := time.Duration(0)
	if d.cfg.BurstSize > 1 {
		gap = d.cfg.BurstSpan / time.Duration(d.cfg.BurstSize-1)
	}

	for {
		for i := 0; i < d.cfg.BurstSize; i++ {
			d.mu.Lock()
			d.pingSeq++
			id := d.pingSeq
			d.mu.Unlock()

			idJSON, _ := json.Marshal(id)
			if err := d.Send(&room.TimePing{ID: idJSON, T0: d.nowMs()}, room.MsgTimePing); err != nil {
				return
			}
			if i < d.cfg.BurstSize-1 {
				select {
				case <-ctx.Done():
					return
				case <-d.clock.After(gap):
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.cfg.SyncInterval):
		}
	}
}

// syncCheckLoop reports the media position so the server can order a
// resync when this device has wandered off.
func (d *Device) syncCheckLoop(ctx context.Context) {
	ticker := d.clock.Ticker(d.cfg.SyncCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.sched.Playing() || !d.media.Playing() {
				continue
			}
			if err := d.Send(&room.SyncCheck{ClientPosition: room.Millis(d.media.Position())}, room.MsgSyncCheck); err != nil {
				return
			}
		}
	}
}

// ---------- inbound ----------

// handle dispatches one server frame. received is the local time the frame
// was read, in fractional milliseconds. Nothing here waits on the media
// element, so pong timestamps stay tight while a track loads.
func (d *Device) handle(data []byte, received float64) {
	msg, err := room.DecodeOutbound(data)
	if err != nil {
		logger.Debug("dropping server frame", logger.ErrorField(err))
		return
	}

	switch m := msg.(type) {
	case *room.Joined:
		d.mu.Lock()
		d.wsID, d.isHost = m.WsID, m.IsHost
		d.mu.Unlock()
		d.sched.SetServerDelta(m.ServerTimeUnix, m.ServerTimeMonotonic)
		logger.Info("joined room",
			logger.String("room", m.RoomCode),
			logger.String("conn", m.WsID),
			logger.Bool("host", m.IsHost),
			logger.Int("devices", m.TotalClients))

	case *room.TimePong:
		d.sched.SetServerDelta(m.ServerTimeUnix, m.ServerTimeMonotonic)
		d.est.AddSample(m.T0, received, float64(m.ServerTimeUnix))
		if d.est.Ready() {
			d.syncOnce.Do(func() { close(d.synced) })
			d.sched.Retarget()
		}

	case *room.PrepareTrack:
		d.prepare(m.CheckID, m.AudioURL)
	case *room.HealthCheck:
		d.prepare(m.CheckID, m.AudioURL)

	case *room.PlayCommand, *room.PlaySync, *room.ResumeCommand, *room.SeekCommand,
		*room.PauseCommand, *room.PauseState, *room.EmptyState, *room.ResyncCommand:
		select {
		case d.commands <- msg:
		default:
			logger.Warn("playback command queue full, dropping", logger.String("type", string(m.Kind())))
		}

	case *room.MembershipNotice:
		logger.Debug("membership changed",
			logger.String("type", string(m.Type)),
			logger.String("user", m.UserID),
			logger.Int("devices", m.TotalClients))
	case *room.ErrorReply:
		logger.Warn("server rejected request", logger.String("code", m.Code), logger.String("message", m.Message))
	}
}

// followCommands applies queued playback commands one at a time until ctx
// is done.
func (d *Device) followCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.commands:
			d.apply(ctx, msg)
		}
	}
}

// apply loads the command's track if it names one, then acts on it. Commands
// that target a server instant wait for the first offset sample, since
// without one the local instant cannot be derived.
func (d *Device) apply(ctx context.Context, msg room.Outbound) {
	switch m := msg.(type) {
	case *room.PlayCommand:
		d.load(ctx, m.AudioURL)
		if d.awaitSync(ctx) {
			d.sched.ScheduleStart(m.PositionMs, m.MasterClockMs)
		}
	case *room.PlaySync:
		d.load(ctx, m.AudioURL)
		if d.awaitSync(ctx) {
			d.sched.Align(m.Position, m.MasterClockMs)
		}
	case *room.ResumeCommand:
		if d.awaitSync(ctx) {
			d.sched.ScheduleStart(m.PlaybackPositionMs, m.MasterClockMs)
		}
	case *room.SeekCommand:
		if m.IsPaused {
			d.sched.Pause(m.PlaybackPositionMs)
		} else if d.awaitSync(ctx) {
			d.sched.ScheduleStart(m.PlaybackPositionMs, m.MasterClockMs)
		}
	case *room.PauseCommand:
		d.sched.Pause(m.PausedAtMs)
	case *room.PauseState:
		d.load(ctx, m.AudioURL)
		d.sched.Pause(m.Position)
	case *room.EmptyState:
		d.sched.Pause(0)
	case *room.ResyncCommand:
		if !m.IsPlaying || d.awaitSync(ctx) {
			d.sched.Resync(m.CorrectPositionMs, m.MasterClockMs, m.IsPlaying)
			logger.Info("resync ordered by server", logger.Int64("positionMs", m.CorrectPositionMs))
		}
	}
}

func (d *Device) awaitSync(ctx context.Context) bool {
	select {
	case <-d.synced:
		return true
	default:
	}
	logger.Debug("holding playback command until the clock offset is known")
	select {
	case <-d.synced:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Device) load(ctx context.Context, audioURL string) {
	if err := d.media.Load(ctx, audioURL); err != nil {
		logger.Warn("media load failed", logger.ErrorField(err), logger.String("audioUrl", audioURL))
	}
}

// prepare loads the track in the background and acknowledges checkID once
// it is buffered. Repeated requests for the same check are ignored.
func (d *Device) prepare(checkID, audioURL string) {
	d.mu.Lock()
	if d.prepared[checkID] {
		d.mu.Unlock()
		return
	}
	d.prepared[checkID] = true
	ctx := d.loadCtx
	d.mu.Unlock()

	go func() {
		err := d.media.Load(ctx, audioURL)
		resp := &room.HealthCheckResponse{CheckID: checkID, AudioLoaded: err == nil, DeviceReady: err == nil}
		if err != nil {
			logger.Warn("track preload failed", logger.ErrorField(err), logger.String("audioUrl", audioURL))
		}
		if err := d.Send(resp, room.MsgHealthCheckResponse); err != nil {
			logger.Debug("health check response not sent", logger.ErrorField(err))
		}
	}()
}

// OnUserGesture forwards a user interaction to the scheduler.
func (d *Device) OnUserGesture() {
	d.sched.OnUserGesture()
}
