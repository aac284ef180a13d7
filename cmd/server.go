package cmd

import (
	"syncfm/server"

	"github.com/spf13/cobra"
)

var listenAddr string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the sync router",
	Long:  `Run the websocket router that owns room state, the clock authority and the start handshake.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		return server.Start(cfg)
	},
}

func init() {
	serverCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address, overrides LISTEN_ADDR")
	rootCmd.AddCommand(serverCmd)
}
