package cmd

import (
	"context"
	"fmt"
	"time"

	"syncfm/cache"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Check the presence mirror's Redis connection",
	Long:  `Connect to the configured Redis and round-trip a key through it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Redis: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			return err
		}
		defer cache.CloseRedis()
		fmt.Println("connected")

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := cache.CheckRedis(ctx, cache.RedisClient); err != nil {
			return err
		}
		fmt.Println("read/write check passed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
