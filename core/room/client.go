package room

import (
	"context"
	"sync"
	"time"

	"syncfm/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	maxFrameSize   = 4096
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// Client is one device connection. Outbound frames go through a buffered
// channel drained by WritePump, so a stalled socket never blocks a room
// broadcast.
type Client struct {
	ID   string
	Conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu                sync.RWMutex
	userID            string
	roomCode          string
	lastHealthCheckID string
}

// NewClient wraps an upgraded connection. conn may be nil in tests, in which
// case frames accumulate in the send buffer.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Outbox exposes queued frames; used by tests and in-process devices.
func (c *Client) Outbox() <-chan []byte {
	return c.send
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) RoomCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomCode
}

func (c *Client) bind(roomCode, userID string) {
	c.mu.Lock()
	c.roomCode = roomCode
	c.userID = userID
	c.lastHealthCheckID = ""
	c.mu.Unlock()
}

func (c *Client) unbind() {
	c.mu.Lock()
	c.roomCode = ""
	c.lastHealthCheckID = ""
	c.mu.Unlock()
}

// markHealthCheck records checkID and reports whether it was new for this
// connection.
func (c *Client) markHealthCheck(checkID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastHealthCheckID == checkID {
		return false
	}
	c.lastHealthCheckID = checkID
	return true
}

// enqueue queues a frame without blocking. A full buffer drops the frame.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("send buffer full, dropping frame",
			logger.String("conn", c.ID),
			logger.String("room", c.RoomCode()))
		return false
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump reads frames until the connection fails or ctx is done, handing
// each one to handle. onClose runs exactly once when the loop exits.
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, c *Client, data []byte), onClose func(c *Client)) {
	defer func() {
		onClose(c)
		c.Close()
		c.Conn.Close()
	}()

	// Closing the socket unblocks ReadMessage on shutdown.
	exited := make(chan struct{})
	defer close(exited)
	go func() {
		select {
		case <-ctx.Done():
			c.Conn.Close()
		case <-exited:
		}
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.String("conn", c.ID),
					logger.String("room", c.RoomCode()))
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		handle(ctx, c, message)
	}
}

// WritePump writes queued frames in order, one websocket message per frame,
// and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write failed",
					logger.ErrorField(err),
					logger.String("conn", c.ID))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
