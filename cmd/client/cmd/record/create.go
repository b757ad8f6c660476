package record

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
)

var (
	createData string
	updateData string
)

var CreateCmd = &cobra.Command{
	Use:     "create <type>",
	Short:   "Create a record",
	Example: `  crmsync record create contact --data '{"name":"Ivan Petrov","email":"ivan@example.com"}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}
		typ, err := parseType(args[0])
		if err != nil {
			return err
		}
		data, err := readData(createData)
		if err != nil {
			return err
		}

		rec, err := env.App.Create(cmd.Context(), typ, data)
		if err != nil {
			return fmt.Errorf("create %s: %w", typ, err)
		}
		if env.JSON {
			return types.PrintJSON(rec)
		}
		color.Green("Created %s %s", typ, rec.ID)
		return nil
	},
}

var UpdateCmd = &cobra.Command{
	Use:     "update <type> <id>",
	Short:   "Replace the data of a record",
	Example: `  crmsync record update deal 3f0c... --data '{"title":"Renewal","amount":1200,"stage":"won"}'`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}
		typ, err := parseType(args[0])
		if err != nil {
			return err
		}
		data, err := readData(updateData)
		if err != nil {
			return err
		}

		rec, err := env.App.Update(cmd.Context(), typ, args[1], data)
		if err != nil {
			return fmt.Errorf("update %s: %w", typ, err)
		}
		if env.JSON {
			return types.PrintJSON(rec)
		}
		color.Green("Updated %s %s (version %d)", typ, rec.ID, rec.Version)
		return nil
	},
}

var DeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Delete a record",
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

		if err := env.App.Delete(cmd.Context(), typ, args[1]); err != nil {
			return fmt.Errorf("delete %s: %w", typ, err)
		}
		color.Yellow("Deleted %s %s", typ, args[1])
		return nil
	},
}

func init() {
	CreateCmd.Flags().StringVarP(&createData, "data", "d", "", `record data as JSON, "-" reads stdin`)
	UpdateCmd.Flags().StringVarP(&updateData, "data", "d", "", `record data as JSON, "-" reads stdin`)
}
