package record

import (
	"fmt"

	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
)

var GetCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}
		typ, err := parseType(args[0])
		if err != nil {
			return err
		}

		rec, err := env.App.Get(cmd.Context(), typ, args[1])
		if err != nil {
			return fmt.Errorf("get %s: %w", typ, err)
		}
		if env.JSON {
			return types.PrintJSON(rec)
		}
		printRecord(rec)
		return nil
	},
}
