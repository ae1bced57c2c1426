package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/app"
)

type runFlags struct {
	timeout time.Duration
	workers int
	dryRun  bool
	runID   string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [job-id...]",
		Short: "Run a batch of extraction jobs",
		Long: `Runs one job per named source, or every configured source when none
are named. Prints the aggregate report and lists non-successful jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), cmd.OutOrStdout(), root, flags, args)
		},
	}
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-job timeout overriding configured budgets")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "worker pool size (default batch.worker_pool)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "write to an in-memory store; no archive or publish")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "run id (generated when empty)")
	return cmd
}

func runBatch(ctx context.Context, out io.Writer, root *rootOptions, flags *runFlags, ids []string) error {
	runner, err := newApp(ctx, root.cfg, root.logger, app.Options{
		RunID:   flags.runID,
		DryRun:  flags.dryRun,
		Workers: flags.workers,
		Timeout: flags.timeout,
	})
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			root.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	root.logger.Info("batch starting", zap.String("run_id", runner.RunID()), zap.Strings("jobs", ids))
	report, err := runner.Run(ctx, ids)
	if err != nil {
		return err
	}
	if err := report.WriteText(out); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if report.ExitCode() != 0 {
		root.logger.Warn("batch finished with failures",
			zap.String("run_id", report.RunID),
			zap.String("jobs", strings.Join(report.NonSuccessful(), ",")))
		return errBatchFailed
	}
	root.logger.Info("batch finished", zap.String("run_id", report.RunID), zap.Duration("duration", report.Duration))
	return nil
}
