// Package cmd defines and implements the CLI commands for the newsbrief
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"newsbrief/internal/app"
	"newsbrief/internal/config"
	"newsbrief/internal/logging"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "newsbrief",
		Short: "Feed ingestion, article enrichment, and topic brief generation.",
		Long: `newsbrief polls RSS sources on per-source schedules, enriches the
ingested articles with extracted text and embeddings, and assembles
clustered topic briefs from the processed corpus.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (environment variables are always read)")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBriefCmd())
	return cmd
}

// buildApp loads configuration, builds the logger, and wires the service
// container. The caller owns both returned resources.
func buildApp(ctx context.Context) (*app.App, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return a, logger, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
