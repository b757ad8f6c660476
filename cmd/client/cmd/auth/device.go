package auth

import (
	"fmt"

	"github.com/spf13/cobra"

	"crmsync/cmd/client/cmd/types"
)

var deviceName string

var DeviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage this installation on the server",
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device for sync",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := types.From(cmd)
		if err != nil {
			return err
		}

		d, err := env.App.RegisterDevice(cmd.Context(), deviceName)
		if err != nil {
			return fmt.Errorf("register device: %w", err)
		}
		if env.JSON {
			return types.PrintJSON(d)
		}
		fmt.Printf("Device %s (%s, %s) registered\n", d.DeviceID, d.Name, d.Platform)
		return nil
	},
}

func init() {
	deviceRegisterCmd.Flags().StringVar(&deviceName, "name", "", "device name, defaults to the hostname")
	DeviceCmd.AddCommand(deviceRegisterCmd)
}
