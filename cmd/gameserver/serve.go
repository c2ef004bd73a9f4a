package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/gameserver"
	tracing "github.com/aixgo-dev/gameserver/internal/observability"
)

var (
	serveAddr       string
	serveResume     string
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the game server",
	Long: `Start the HTTP game server and the ops listener (metrics, health, admin).
On SIGINT or SIGTERM the server drains requests and writes a final checkpoint.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Override server.addr")
	serveCmd.Flags().StringVar(&serveResume, "resume", "", `Resume from a checkpoint id or "latest" on startup`)
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", gameserver.DefaultShutdownTimeout, "Graceful shutdown timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveResume != "" {
		cfg.Checkpoint.AutoResume = true
		cfg.Checkpoint.ResumeFrom = serveResume
	}

	if err := tracing.Init(cfg.Tracing, logger); err != nil {
		logger.Warn().Err(err).Msg("failed to initialize tracing")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", Version).
		Str("addr", cfg.Server.Addr).
		Str("ops_addr", cfg.Ops.Addr).
		Str("storage", cfg.Storage.Type).
		Msg("starting game server")

	app, err := gameserver.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	app.ShutdownTimeout = shutdownTimeout
	return app.Run(ctx)
}
