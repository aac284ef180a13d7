package server

import (
	"context"
	"encoding/json"
	"net/http"

	"syncfm/core/clock"
	"syncfm/core/room"
	"syncfm/logger"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// RoomHandler serves the device websocket and the read-only room endpoints.
type RoomHandler struct {
	ctx      context.Context // lifetime of the pumps, not of the upgrade request
	manager  *room.Manager
	clock    *clock.Authority
	redis    *redis.Client
	upgrader websocket.Upgrader
}

// NewRoomHandler builds the handler. redisClient may be nil.
func NewRoomHandler(ctx context.Context, manager *room.Manager, clk *clock.Authority, redisClient *redis.Client) *RoomHandler {
	return &RoomHandler{
		ctx:     ctx,
		manager: manager,
		clock:   clk,
		redis:   redisClient,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// WebSocketHandler upgrades a device connection and hands it to the router.
func (h *RoomHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			logger.ErrorField(err),
			logger.String("remote", r.RemoteAddr))
		return
	}

	client := room.NewClient(conn)
	logger.Debug("device connected",
		logger.String("conn", client.ID),
		logger.String("remote", r.RemoteAddr))

	go client.WritePump()
	go client.ReadPump(h.ctx, h.manager.HandleMessage, h.manager.Disconnect)
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	Rooms          int    `json:"rooms"`
	ServerTimeUnix int64  `json:"serverTimeUnix"`
	Redis          string `json:"redis,omitempty"`
}

// HealthHandler reports liveness, and the presence store when one is
// configured.
func (h *RoomHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		Rooms:          h.manager.Rooms(),
		ServerTimeUnix: h.clock.UnixNow(),
	}
	status := http.StatusOK

	if h.redis != nil {
		resp.Redis = "ok"
		if err := h.redis.Ping(r.Context()).Err(); err != nil {
			logger.Warn("health check: redis unreachable", logger.ErrorField(err))
			resp.Status = "degraded"
			resp.Redis = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

// GetRoomHandler describes one live room.
func (h *RoomHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["room_code"]
	info, ok := h.manager.Describe(code)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", logger.ErrorField(err))
	}
}
