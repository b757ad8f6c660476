package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
)

var registerLogin string

var RegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account on the server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}

		login, password, err := prompt(registerLogin)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := env.App.Register(ctx, login, password); err != nil {
			return fmt.Errorf("register: %w", err)
		}

		color.Green("Registered and logged in as %s", login)
		return nil
	},
}

func init() {
	RegisterCmd.Flags().StringVarP(&registerLogin, "login", "l", "", "account login")
}
