package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"syncfm/cache"
	"syncfm/config"
	"syncfm/core/clock"
	"syncfm/core/room"
	"syncfm/logger"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const shutdownTimeout = 5 * time.Second

// Server is the sync router's HTTP front: device websockets plus a few
// read-only endpoints.
type Server struct {
	cfg     *config.Config
	manager *room.Manager
	handler *RoomHandler
	router  *mux.Router
}

// New wires the routes. ctx bounds every device connection accepted by the
// server; redisClient may be nil.
func New(ctx context.Context, cfg *config.Config, manager *room.Manager, clk *clock.Authority, redisClient *redis.Client) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		handler: NewRoomHandler(ctx, manager, clk, redisClient),
		router:  mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(corsMiddleware)

	s.router.HandleFunc("/ws", s.handler.WebSocketHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handler.HealthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/rooms/{room_code}", s.handler.GetRoomHandler).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves on cfg.ListenAddr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sync router listening", logger.String("addr", s.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down sync router", logger.Int("rooms", s.manager.Rooms()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("sync router stopped")
	return nil
}

// Start builds the router from cfg and serves until SIGINT or SIGTERM.
func Start(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var presence room.PresenceTracker
	if cfg.RedisEnabled {
		if err := cache.ConnectRedis(cfg); err != nil {
			return err
		}
		defer cache.CloseRedis()
		presence = cache.NewRoomCache(cache.RedisClient)
		logger.Info("presence mirror enabled",
			logger.String("redis", cfg.RedisHost+":"+cfg.RedisPort))
	}

	clk := clock.New()
	manager := room.NewManager(room.NewStore(clk), clk, cfg.Policy, presence)

	if cfg.WatchConfig {
		go watchPolicy(ctx, cfg.EnvFile, manager)
	}

	return New(ctx, cfg, manager, clk, cache.RedisClient).ListenAndServe(ctx)
}

func watchPolicy(ctx context.Context, envFile string, manager *room.Manager) {
	err := config.WatchPolicy(ctx, envFile, func(p room.Policy) {
		if err := manager.SetPolicy(p); err != nil {
			logger.Warn("policy rejected", logger.ErrorField(err))
		}
	})
	if err != nil {
		logger.Warn("policy watcher stopped", logger.ErrorField(err), logger.String("file", envFile))
	}
}
