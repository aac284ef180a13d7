package room

import (
	"errors"
	"time"
)

// Policy holds every tunable timing constant of the room protocol. Leads are
// added on the server so that every device schedules against the same
// absolute instant.
type Policy struct {
	PlayLead        time.Duration // default start delay of a PLAY request
	LateJoinLead    time.Duration // forward lead on PLAY_SYNC snapshots
	PauseResumeLead time.Duration
	SeekLead        time.Duration

	// Largest startDelayMs a client may request.
	MaxStartDelay time.Duration

	// Added to the play lead at handshake finalization.
	HandshakeCleanMargin  time.Duration
	HandshakeForcedMargin time.Duration

	HandshakeFirstCheck  time.Duration
	HandshakeSoftTimeout time.Duration
	HandshakeHardTimeout time.Duration

	// Identical PLAY requests inside this window are ignored.
	PlayDebounce time.Duration

	// A sync_check further than this from the authority gets a RESYNC.
	// Must stay above the device snap threshold.
	ResyncThreshold time.Duration
}

// DefaultPolicy returns the production timing constants.
func DefaultPolicy() Policy {
	return Policy{
		PlayLead:              800 * time.Millisecond,
		LateJoinLead:          700 * time.Millisecond,
		PauseResumeLead:       400 * time.Millisecond,
		SeekLead:              300 * time.Millisecond,
		MaxStartDelay:         30 * time.Second,
		HandshakeCleanMargin:  600 * time.Millisecond,
		HandshakeForcedMargin: 1200 * time.Millisecond,
		HandshakeFirstCheck:   1200 * time.Millisecond,
		HandshakeSoftTimeout:  5500 * time.Millisecond,
		HandshakeHardTimeout:  9000 * time.Millisecond,
		PlayDebounce:          1500 * time.Millisecond,
		ResyncThreshold:       1000 * time.Millisecond,
	}
}

// Validate rejects policies that would break handshake liveness.
func (p Policy) Validate() error {
	if p.PlayLead < 0 || p.LateJoinLead < 0 || p.PauseResumeLead < 0 || p.SeekLead < 0 {
		return errors.New("leads must not be negative")
	}
	if p.MaxStartDelay <= 0 {
		return errors.New("max start delay must be positive")
	}
	if p.HandshakeFirstCheck <= 0 || p.HandshakeSoftTimeout <= 0 || p.HandshakeHardTimeout <= 0 {
		return errors.New("handshake timeouts must be positive")
	}
	if p.HandshakeFirstCheck > p.HandshakeSoftTimeout || p.HandshakeSoftTimeout > p.HandshakeHardTimeout {
		return errors.New("handshake timeouts must be ordered first <= soft <= hard")
	}
	if p.ResyncThreshold <= 0 {
		return errors.New("resync threshold must be positive")
	}
	return nil
}

func ms(d time.Duration) int64 {
	return d.Milliseconds()
}
