package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"receipt-matching-service/internal/parsers"
	"receipt-matching-service/internal/reconciler"
	"receipt-matching-service/internal/reporter"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

type matchOptions struct {
	receiptFiles     []string
	transactionFiles []string
	layout           string
	progress         bool
	report           reportFlags
}

var matchOpts matchOptions

// matchCmd matches files against each other without touching the database
var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match receipt files against transaction files",
	Long: `Match evaluates every receipt in the given files against the given
transactions and earlier receipts, and prints the decisions. Nothing is
written to the database; saved weights are not used.

The report also lists duplicate groups found within the receipt files.

Examples:
  matcher match --receipts receipts.csv --transactions transactions.csv
  matcher match -r receipts.csv -t jan.ofx,feb.ofx --output-format json -o decisions.json
  matcher match -r receipts.csv -t export.csv --layout bank1 --profile relaxed`,
	PreRunE: validateMatchFlags,
	RunE:    runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().StringSliceVarP(&matchOpts.receiptFiles, "receipts", "r", nil, "receipt CSV files (required)")
	matchCmd.Flags().StringSliceVarP(&matchOpts.transactionFiles, "transactions", "t", nil, "transaction CSV/OFX/QFX files")
	matchCmd.Flags().StringVar(&matchOpts.layout, "layout", "auto", "transaction CSV layout: auto, standard, bank1, bank2")
	matchCmd.Flags().BoolVar(&matchOpts.progress, "progress", false, "show a progress bar")
	matchOpts.report.register(matchCmd)
	matchCmd.MarkFlagRequired("receipts")
}

func validateMatchFlags(cmd *cobra.Command, args []string) error {
	for _, path := range append(append([]string{}, matchOpts.receiptFiles...), matchOpts.transactionFiles...) {
		if err := validateFileExists(path); err != nil {
			return err
		}
	}
	return matchOpts.report.validate()
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logger.GetGlobalLogger().WithComponent("match")

	loader, err := parsers.NewConcurrentParser(cfg.Parsing)
	if err != nil {
		return err
	}
	pre := reconciler.NewPreprocessor(nil)

	receipts, err := loadReceipts(ctx, loader, pre, matchOpts.receiptFiles, log)
	if err != nil {
		return err
	}
	transactions, err := loadTransactions(ctx, loader, pre, matchOpts.transactionFiles, matchOpts.layout, log)
	if err != nil {
		return err
	}

	engine, err := newEngine(ctx, nil)
	if err != nil {
		return err
	}
	engine.Normalizer().Rebuild(transactions)

	store := reconciler.NewMemoryStore(transactions, receipts)
	rec, err := reconciler.New(engine, store, store)
	if err != nil {
		return err
	}

	progress := startProgress(matchOpts.progress, cmd.ErrOrStderr(), "Matching receipts")
	var result *reconciler.SweepResult
	sweepErr := logger.TimedOperation("match receipts", log, func() error {
		var err error
		result, err = rec.Sweep(ctx, reconciler.SweepOptions{Progress: progress.Channel()})
		return err
	})
	progress.Stop()
	if result == nil {
		return sweepErr
	}

	report := reporter.FromSweep(result)
	report.DuplicateGroups = engine.DetectDuplicateGroups(receipts)
	if err := matchOpts.report.writeReport(cmd, report); err != nil {
		return err
	}

	if v.GetBool("verbose") {
		printSweepSummary(cmd.ErrOrStderr(), result)
		fmt.Fprintf(cmd.ErrOrStderr(), "  %-10s %d\n", "groups", len(report.DuplicateGroups))
	}
	if errors.IsCode(sweepErr, errors.CodeCancelled) {
		return sweepErr
	}
	return nil
}
