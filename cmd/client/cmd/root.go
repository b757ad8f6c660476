package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crmsync/cmd/client/cmd/auth"
	"crmsync/cmd/client/cmd/record"
	"crmsync/cmd/client/cmd/sync"
	"crmsync/cmd/client/cmd/types"
	"crmsync/internal/app/client"
	"crmsync/internal/app/client/config"
	"crmsync/internal/utils/logger"
)

var (
	cfgFile    string
	serverURL  string
	debug      bool
	jsonOutput bool

	app       *client.App
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "crmsync - offline-first CRM client",
	Long: `crmsync keeps contacts, deals and tasks in a local database and
synchronizes them with the crmsync server when it is reachable.

Every change is stored locally first and queued; "crmsync sync" or the
daemon delivers the queue and pulls what changed on the server.`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: teardownApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
	Version:            client.Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerAddress = serverURL
	}

	log, closer := logger.NewFile(cfg.LogPath, debug)
	logCloser = closer

	app, err = client.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	cmd.SetContext(types.WithEnv(cmd.Context(), &types.Env{App: app, JSON: jsonOutput}))
	return nil
}

func teardownApp(_ *cobra.Command, _ []string) error {
	var err error
	if app != nil {
		err = app.Close()
	}
	if logCloser != nil {
		err = errors.Join(err, logCloser.Close())
	}
	return err
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return config.LoadEnv()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server address, overrides SERVER_ADDRESS")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "write debug records to the log file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(auth.AuthCmd)
	rootCmd.AddCommand(auth.DeviceCmd)
	rootCmd.AddCommand(record.RecordCmd)
	rootCmd.AddCommand(sync.SyncCmd)
	rootCmd.AddCommand(sync.OutboxCmd)
	rootCmd.AddCommand(sync.DaemonCmd)
}
