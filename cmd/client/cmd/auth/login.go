package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
)

var loginName string

var LoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and keep the session token",
	Long: `Authenticates against the server. The session token is stored in the
config directory and used by every later command and by the daemon.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}

		login, password, err := prompt(loginName)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := env.App.Login(ctx, login, password); err != nil {
			return fmt.Errorf("login: %w", err)
		}

		color.Green("Logged in as %s", login)
		return nil
	},
}

var LogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	Long:  "Removes the session token. Local records and queued changes are kept.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}
		if err := env.App.Logout(); err != nil {
			return err
		}
		fmt.Println("Logged out")
		return nil
	},
}

func init() {
	LoginCmd.Flags().StringVarP(&loginName, "login", "l", "", "account login")
}
