package record

import (
	"fmt"

	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
)

var ListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List local records of a type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}
		typ, err := parseType(args[0])
		if err != nil {
			return err
		}

		records, err := env.App.List(cmd.Context(), typ)
		if err != nil {
			return fmt.Errorf("list %s: %w", typ, err)
		}
		if env.JSON {
			return types.PrintJSON(records)
		}
		if len(records) == 0 {
			fmt.Printf("No %ss yet\n", typ)
			return nil
		}
		return printTable(records)
	},
}
