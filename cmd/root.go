package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/app"
	"github.com/JakeFAU/kakuyomu-crawler/internal/config"
	"github.com/JakeFAU/kakuyomu-crawler/internal/logging"
	"github.com/JakeFAU/kakuyomu-crawler/internal/orchestrator"
	"github.com/JakeFAU/kakuyomu-crawler/internal/telemetry"
)

const serviceName = "kakuyomu-crawler"

// Runner is the part of the application the commands drive.
// Tests inject a fake through newRunner.
type Runner interface {
	RunID() string
	Run(ctx context.Context) (orchestrator.Summary, error)
	Close() error
}

var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Crawls the Kakuyomu ranked listing and classifies works against eligibility thresholds.",
		Long: `kakuyomu-crawler walks a ranked Kakuyomu search listing, enriches each
candidate from its detail page and chapter index, and writes every finalized
record to CSV split into eligible and mismatch files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the process-wide logger and tracer.
// The returned cleanup flushes both.
func setup(cmd *cobra.Command, bindings []config.Binding) (config.Config, *zap.Logger, func(), error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("read --config: %w", err)
	}
	cfg, err := config.Load(path, bindings...)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
	})
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	undo := zap.ReplaceGlobals(logger)

	tp, err := telemetry.InitTracerProvider(cmd.Context(), serviceName)
	if err != nil {
		undo()
		_ = logger.Sync()
		return config.Config{}, nil, nil, fmt.Errorf("init tracing: %w", err)
	}

	cleanup := func() {
		if err := tp.Shutdown(context.WithoutCancel(cmd.Context())); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		undo()
		// Sync on a console core reports EINVAL on some platforms.
		if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
			fmt.Fprintln(os.Stderr, "flush logs:", err)
		}
	}
	return cfg, logger, cleanup, nil
}
