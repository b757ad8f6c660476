package sync

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
	"crmsync/internal/domain/outbox"
)

var (
	outboxStatus string
	serverSide   bool
)

var OutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List queued changes",
	Long: `Lists the local outbox, or with --server the outbox the server keeps
for this account. Statuses: PENDING, PROCESSING, SENT, ERROR.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}
		status, err := outbox.ParseStatus(strings.ToUpper(outboxStatus))
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		if serverSide {
			items, err := env.App.ServerOutbox(cmd.Context(), status)
			if err != nil {
				return fmt.Errorf("server outbox: %w", err)
			}
			if env.JSON {
				return types.PrintJSON(items)
			}
			fmt.Fprintln(w, "ID\tOPERATION\tENTITY\tRETRIES\tCREATED\tERROR")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\t%s\n", it.ID, it.Operation, it.EntityType, it.EntityID,
					it.RetryCount, it.CreatedAt.Local().Format("2006-01-02 15:04:05"), it.ErrorMessage)
			}
			return w.Flush()
		}

		changes, err := env.App.Outbox(cmd.Context(), status)
		if err != nil {
			return err
		}
		if env.JSON {
			return types.PrintJSON(changes)
		}
		fmt.Fprintln(w, "ID\tOPERATION\tENTITY\tRETRIES\tCREATED\tERROR")
		for _, ch := range changes {
			fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\t%s\n", ch.ID, ch.Operation, ch.EntityType, ch.EntityID,
				ch.RetryCount, ch.CreatedAt.Local().Format("2006-01-02 15:04:05"), ch.ErrorMessage)
		}
		return w.Flush()
	},
}

func init() {
	OutboxCmd.Flags().StringVar(&outboxStatus, "status", string(outbox.StatusPending), "PENDING, PROCESSING, SENT or ERROR")
	OutboxCmd.Flags().BoolVar(&serverSide, "server", false, "list the server-side outbox")
}
