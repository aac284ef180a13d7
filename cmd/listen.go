package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"syncfm/core/player"
	"syncfm/logger"
	"syncfm/model"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	listenServer   string
	listenRoom     string
	listenUser     string
	listenHost     string
	listenPlay     string
	listenDuration time.Duration
	statsEvery     time.Duration
)

// listenCmd runs a headless device against a simulated media element and
// logs how closely it tracks the room.
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Join a room as a headless device",
	Long: `Join a room as a headless device with a simulated media element and
report clock offset and drift. With --play the device asks the room to start
a track once it is connected, which only works for the host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenRoom == "" {
			return errors.New("--room is required")
		}
		if listenUser == "" {
			listenUser = "listener-" + uuid.NewString()[:8]
		}
		if statsEvery <= 0 {
			statsEvery = 5 * time.Second
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		media := player.NewSimulatedMedia(nil)
		device := player.NewDevice(player.Config{
			ServerURL: listenServer,
			RoomCode:  listenRoom,
			UserID:    listenUser,
			HostID:    listenHost,
		}, media, nil)

		if listenPlay != "" {
			go requestPlay(ctx, device, model.Track{AudioURL: listenPlay, DurationMs: listenDuration.Milliseconds()})
		}
		go reportStats(ctx, device)

		if err := device.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func requestPlay(ctx context.Context, device *player.Device, track model.Track) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !device.Estimator().Ready() {
				continue
			}
			if err := device.Play(track, 0); err != nil {
				logger.Warn("play request failed", logger.ErrorField(err))
				continue
			}
			return
		}
	}
}

func reportStats(ctx context.Context, device *player.Device) {
	ticker := time.NewTicker(statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := device.Stats()
			logger.Info("device stats",
				logger.Bool("connected", s.Connected),
				logger.Bool("host", s.IsHost),
				logger.Float64("offsetMs", s.FilteredOffset),
				logger.Float64("jitterMs", s.Jitter),
				logger.Int("quality", s.Quality),
				logger.Bool("playing", s.Playing),
				logger.Int64("positionMs", s.PositionMs),
				logger.Int64("driftMs", s.PositionMs-s.ExpectedPosition))
			if !s.Connected {
				fmt.Fprintln(os.Stderr, "waiting for server", listenServer)
			}
		}
	}
}

func init() {
	listenCmd.Flags().StringVar(&listenServer, "server", "ws://127.0.0.1:8080/ws", "router websocket URL")
	listenCmd.Flags().StringVar(&listenRoom, "room", "", "room code to join")
	listenCmd.Flags().StringVar(&listenUser, "user", "", "user id, random when empty")
	listenCmd.Flags().StringVar(&listenHost, "host", "", "host user id claimed for a new room")
	listenCmd.Flags().StringVar(&listenPlay, "play", "", "audio URL to start once connected")
	listenCmd.Flags().DurationVar(&listenDuration, "duration", 3*time.Minute, "duration of the --play track")
	listenCmd.Flags().DurationVar(&statsEvery, "stats", 5*time.Second, "stats log interval")
	rootCmd.AddCommand(listenCmd)
}
