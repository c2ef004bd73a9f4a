package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/gameserver"
	"github.com/aixgo-dev/gameserver/internal/logging"
	"github.com/aixgo-dev/gameserver/pkg/config"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile string
	envFiles   []string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gameserver",
	Short: "Game emulator server with persistent session checkpoints",
	Long: `gameserver drives an emulator session over HTTP, records every action,
observation and reward, and checkpoints the session to local disk, object
storage or a database so that it can resume after a restart.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile, envFiles...)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		l, err := logging.New(loaded.Log)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Skip config loading
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gameserver version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("GAMESERVER_CONFIG"), "YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	gameserver.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
