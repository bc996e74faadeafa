package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"newsbrief/internal/brief"
)

// newBriefCmd creates the 'brief' subcommand for one-shot brief generation.
func newBriefCmd() *cobra.Command {
	var (
		force bool
		hours int
	)
	cmd := &cobra.Command{
		Use:   "brief",
		Short: "Generate one topic brief and exit",
		Long: `Clusters the articles processed inside the lookback window,
summarizes each topic, persists the report, and prints its headline
numbers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, logger, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				a.Close()
				_ = logger.Sync()
			}()

			opts := brief.GenerateOptions{Force: force}
			if hours > 0 {
				opts.Lookback = time.Duration(hours) * time.Hour
			}
			report, err := a.Briefs().Generate(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("generate brief: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (report %d)\n", report.Title, report.ID)
			fmt.Fprintf(out, "articles: %d used of %d in window\n", report.UsedArticles, report.TotalArticles)
			fmt.Fprintf(out, "tldr: %s\n", report.TLDR)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "generate even when too few articles are available")
	cmd.Flags().IntVar(&hours, "hours", 0, "override the lookback window in hours")
	return cmd
}
