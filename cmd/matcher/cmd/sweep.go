package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"receipt-matching-service/internal/reconciler"
	"receipt-matching-service/internal/reporter"
	"receipt-matching-service/pkg/errors"
)

type sweepOptions struct {
	olderThan time.Duration
	limit     int
	progress  bool
	report    reportFlags
}

var sweepOpts sweepOptions

// sweepCmd re-evaluates open receipts stored in the database
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-evaluate unmatched and review receipts in the database",
	Long: `Sweep evaluates every open receipt in the database, meaning receipts with
no decision yet or whose last decision was unmatched or review, and saves
the new decisions. A duplicate decision increments the occurrence count of
the original receipt.

The whole sweep uses the latest saved weights. Interrupting it with Ctrl-C
stops after the current chunk and reports the partial result.

Examples:
  matcher sweep
  matcher sweep --older-than 24h --progress
  matcher sweep --user u-42 --limit 500 --output-format csv -o sweep.csv`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if sweepOpts.olderThan < 0 || sweepOpts.limit < 0 {
			return errors.ValidationError(errors.CodeOutOfRange, "older-than/limit", nil, nil).
				WithSuggestion("use a non-negative duration and limit")
		}
		return sweepOpts.report.validate()
	},
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().DurationVar(&sweepOpts.olderThan, "older-than", 0, "only receipts created at least this long ago")
	sweepCmd.Flags().IntVar(&sweepOpts.limit, "limit", 0, "maximum number of receipts (0 for all)")
	sweepCmd.Flags().BoolVar(&sweepOpts.progress, "progress", false, "show a progress bar")
	sweepOpts.report.register(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := newEngine(ctx, store)
	if err != nil {
		return err
	}
	transactions, err := store.ListTransactions(ctx, cfg.UserID)
	if err != nil {
		return err
	}
	engine.Normalizer().Rebuild(transactions)

	rec, err := reconciler.New(engine, store, store)
	if err != nil {
		return err
	}

	progress := startProgress(sweepOpts.progress, cmd.ErrOrStderr(), "Sweeping receipts")
	result, sweepErr := rec.Sweep(ctx, reconciler.SweepOptions{
		OlderThan: sweepOpts.olderThan,
		UserID:    cfg.UserID,
		Limit:     sweepOpts.limit,
		Progress:  progress.Channel(),
	})
	progress.Stop()
	if result == nil {
		return sweepErr
	}

	if err := sweepOpts.report.writeReport(cmd, reporter.FromSweep(result)); err != nil {
		return err
	}
	if v.GetBool("verbose") {
		printSweepSummary(cmd.ErrOrStderr(), result)
	}
	return sweepErr
}
