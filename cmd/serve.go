package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the 'serve' subcommand, the long-running service mode.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion service",
		Long: `Starts the HTTP API, restores per-source scheduler actors, and
consumes the processing queue until interrupted.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, logger, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		a.Close()
		_ = logger.Sync()
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error("service stopped", zap.Error(err))
		return err
	}
	logger.Info("service stopped")
	return nil
}
