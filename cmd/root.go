// Package cmd defines the campus-ingest command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/app"
	"github.com/JakeFAU/campus-ingest/internal/config"
	"github.com/JakeFAU/campus-ingest/internal/logging"
	"github.com/JakeFAU/campus-ingest/internal/orchestrator"
)

// Runner is the slice of *app.App the commands use, so tests can inject a fake.
type Runner interface {
	RunID() string
	Run(ctx context.Context, ids []string) (orchestrator.Report, error)
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (Runner, error) {
	a, err := app.New(ctx, cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// errBatchFailed signals that the batch finished with non-successful jobs. The
// report has already been printed, so Execute only maps it to the exit status.
var errBatchFailed = errors.New("batch finished with non-successful jobs")

type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "campus-ingest",
		Short: "Ingest institutions, programs and deadlines from configured web sources.",
		Long: `campus-ingest runs a batch of extraction jobs, one per configured source.
Each job's records are validated, deduplicated and upserted into the
destination store. The exit status is non-zero when any job fails or
times out.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.SetOut(stdout)
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default searches ./campus-ingest.yaml)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newSourcesCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI and returns the process exit status.
func Execute(ctx context.Context, args []string) int {
	root := newRootCmd(os.Stdout)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errBatchFailed):
		return 1
	default:
		fmt.Fprintln(os.Stderr, "campus-ingest:", err)
		return 2
	}
}
