package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
	"crmsync/internal/app/client"
	"crmsync/internal/domain/outbox"
)

var (
	showStatus bool
	fullSync   bool
)

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes and pull server changes",
	Long: `Delivers the local outbox in batches, then pulls everything that
changed on the server since the last sync. Conflicting records are settled
with the configured CONFLICT_STRATEGY.

With --full the local view is rebuilt from a complete server snapshot.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}
		if showStatus {
			return printStatus(cmd, env)
		}

		res, err := env.App.Sync(cmd.Context(), fullSync)
		if errors.Is(err, client.ErrNotLoggedIn) {
			return fmt.Errorf("%w, run: crmsync auth login", err)
		}
		if env.JSON && res != nil {
			if jerr := types.PrintJSON(res); jerr != nil {
				return jerr
			}
			return err
		}
		if res != nil {
			printResult(res)
		}
		if err != nil {
			if client.IsNetworkError(err) {
				color.Yellow("Server unreachable, changes stay queued")
			}
			return fmt.Errorf("sync: %w", err)
		}
		return nil
	},
}

func printResult(res *client.SyncResult) {
	mode := "incremental"
	if res.Full {
		mode = "full"
	}
	color.Green("Sync finished (%s, %s)", mode, res.Duration.Round(time.Millisecond))
	fmt.Printf("  pushed:    %d in %d batches\n", res.Pushed, res.Batches)
	fmt.Printf("  pulled:    %d\n", res.Pulled)
	if res.Conflicts > 0 {
		color.Yellow("  conflicts: %d", res.Conflicts)
	}
	if res.Failed > 0 {
		color.Red("  failed:    %d", res.Failed)
		for i, e := range res.Errors {
			if i == 3 {
				fmt.Printf("    ... and %d more\n", len(res.Errors)-3)
				break
			}
			fmt.Printf("    %s\n", e)
		}
	}
}

func printStatus(cmd *cobra.Command, env *types.Env) error {
	st, err := env.App.Status(cmd.Context())
	if err != nil {
		return err
	}
	if env.JSON {
		return types.PrintJSON(st)
	}

	fmt.Printf("Device:     %s\n", st.DeviceID)
	fmt.Print("Server:     ")
	if st.Online {
		color.Green("reachable")
	} else {
		color.Red("unreachable")
	}
	fmt.Printf("Last sync:  %s\n", formatTime(st.State.LastSyncAt))
	fmt.Printf("Last full:  %s\n", formatTime(st.State.LastFullSyncAt))
	if st.State.LastError != "" {
		color.Red("Last error: %s", st.State.LastError)
	}

	fmt.Println("Local outbox:")
	for _, s := range outbox.Statuses {
		fmt.Printf("  %-10s %d\n", s, st.Outbox[s])
	}

	switch {
	case st.Server != nil:
		fmt.Println("Server:")
		fmt.Printf("  cursor:   %s\n", formatTime(st.Server.Cursor.LastSyncAt))
		fmt.Printf("  pending:  %d\n", st.Server.Cursor.PendingChangesCount)
		fmt.Printf("  devices:  %d\n", st.Server.Devices)
		for _, s := range outbox.Statuses {
			fmt.Printf("  %-10s %d\n", s, st.Server.Outbox[s])
		}
	case st.ServerError != "":
		color.Yellow("Server status unavailable: %s", st.ServerError)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	SyncCmd.Flags().BoolVar(&showStatus, "status", false, "show the sync state instead of syncing")
	SyncCmd.Flags().BoolVar(&fullSync, "full", false, "rebuild the local view from a full snapshot")
}
