// Package cmd defines the CLI commands for the crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/config"
)

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl of the ranked listing",
		Long: `Fetches listing pages until the page limit, the end of results or the
low-star tail, then writes kakuyomu_all.csv, kakuyomu_eligible.csv and
kakuyomu_mismatch.csv. Interrupting the run keeps every record finalized so far.`,
		RunE: runCrawlCommand,
	}

	f := cmd.Flags()
	f.String("base-url", "", "ranked listing URL")
	f.Int("max-pages", 0, "maximum listing pages to visit")
	f.Bool("early-stop", true, "stop once the listing tail falls below the star threshold")
	f.Int("min-stars", 0, "minimum star count")
	f.Int("min-characters", 0, "minimum total character count")
	f.String("min-first-published", "", "earliest first-publication date (YYYY-MM-DD)")
	f.String("out-dir", "", "directory for the CSV outputs")
	f.Duration("time-budget", 0, "stop the crawl after this long (0 disables)")
	f.Bool("headless", false, "re-fetch unrendered pages through headless Chrome")
	f.Int("port", 0, "serve health, metrics and progress on this port (0 disables)")
	return cmd
}

func crawlBindings(cmd *cobra.Command) []config.Binding {
	f := cmd.Flags()
	return []config.Binding{
		{Key: "source.base_url", Flag: f.Lookup("base-url")},
		{Key: "listing.max_pages", Flag: f.Lookup("max-pages")},
		{Key: "listing.early_stop", Flag: f.Lookup("early-stop")},
		{Key: "filter.min_stars", Flag: f.Lookup("min-stars")},
		{Key: "filter.min_characters", Flag: f.Lookup("min-characters")},
		{Key: "filter.min_first_published", Flag: f.Lookup("min-first-published")},
		{Key: "output.dir", Flag: f.Lookup("out-dir")},
		{Key: "crawl.time_budget", Flag: f.Lookup("time-budget")},
		{Key: "headless.enabled", Flag: f.Lookup("headless")},
		{Key: "server.port", Flag: f.Lookup("port")},
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, cleanup, err := setup(cmd, crawlBindings(cmd))
	if err != nil {
		return err
	}
	defer cleanup()

	runner, err := newRunner(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize crawler: %w", err)
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("Failed to close crawler services", zap.Error(cerr))
		}
	}()

	summary, err := runner.Run(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: rows=%d eligible=%d mismatches=%d stop=%s\n",
		runner.RunID(), summary.Rows, summary.Eligible, summary.Mismatches, summary.StopReason)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Partial output is already flushed; an interrupt or exhausted budget is not a failure.
		logger.Warn("Crawl ended early", zap.Error(err))
	default:
		return err
	}
	return nil
}
