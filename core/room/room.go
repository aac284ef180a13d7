package room

import (
	"encoding/json"
	"sync"

	"syncfm/logger"
)

// Room is the single source of truth for one room code. mu linearizes every
// join, leave, transition and handshake step of the room; broadcasts are
// queued while it is held, so all members see commits in the same order.
type Room struct {
	Code      string
	CreatedAt int64 // authority ms

	mu      sync.Mutex
	hostID  string
	clients map[string]*Client
	state   *PlaybackState
	closed  bool

	handshake  *pendingHandshake
	generation uint64 // bumped whenever a pending handshake is superseded or dropped
	lastPlay   playRequestGuard
}

type playRequestGuard struct {
	audioURL string
	at       int64
	seen     bool
}

func newRoom(code, hostID string, c Clock) *Room {
	return &Room{
		Code:      code,
		CreatedAt: c.Now(),
		hostID:    hostID,
		clients:   make(map[string]*Client),
		state:     NewPlaybackState(c),
	}
}

func (r *Room) isHostLocked(c *Client) bool {
	return r.hostID != "" && c.UserID() == r.hostID
}

// broadcastLocked queues msg for every member except excludeID. A member
// whose buffer is full or whose connection is gone is skipped.
func (r *Room) broadcastLocked(msg Outbound, excludeID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal broadcast",
			logger.ErrorField(err),
			logger.String("room", r.Code),
			logger.String("type", string(msg.Kind())))
		return
	}
	for id, c := range r.clients {
		if id == excludeID {
			continue
		}
		if !c.enqueue(data) {
			logger.Debug("broadcast skipped member",
				logger.String("room", r.Code),
				logger.String("conn", id),
				logger.String("type", string(msg.Kind())))
		}
	}
}

// sendTo queues msg for a single connection.
func sendTo(c *Client, msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal message",
			logger.ErrorField(err),
			logger.String("conn", c.ID),
			logger.String("type", string(msg.Kind())))
		return
	}
	c.enqueue(data)
}

// Store owns the live rooms of one router. Rooms exist only while they have
// members; nothing here outlives the process.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	clock Clock
}

func NewStore(c Clock) *Store {
	return &Store{rooms: make(map[string]*Room), clock: c}
}

// acquire returns the room for code, creating it if needed, with its lock
// held. A room torn down between lookup and lock is skipped.
func (s *Store) acquire(code, hostID string) (*Room, bool) {
	for {
		s.mu.Lock()
		r, ok := s.rooms[code]
		if !ok {
			r = newRoom(code, hostID, s.clock)
			s.rooms[code] = r
		}
		s.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		return r, !ok
	}
}

// Get returns the live room for code, or nil.
func (s *Store) Get(code string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[code]
}

// remove drops r if it is still the room registered under its code.
func (s *Store) remove(r *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[r.Code] == r {
		delete(s.rooms, r.Code)
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
