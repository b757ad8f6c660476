package sync

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
)

var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync in the background until interrupted",
	Long: `Runs a sync at start, every SYNC_INTERVAL and whenever the server
becomes reachable again. Progress goes to the log file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := env.App.Config()
		fmt.Printf("Syncing with %s every %s, logging to %s. Press Ctrl+C to stop.\n",
			cfg.BaseURL(), cfg.SyncInterval, cfg.LogPath)
		if err := env.App.RunDaemon(ctx); err != nil {
			return err
		}
		fmt.Println("Stopped")
		return nil
	},
}
