package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"receipt-matching-service/cmd/matcher/config"
	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/parsers"
	"receipt-matching-service/internal/reconciler"
	"receipt-matching-service/internal/reporter"
	"receipt-matching-service/internal/storage"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

type importOptions struct {
	receiptFiles     []string
	transactionFiles []string
	layout           string
	evaluate         bool
	report           reportFlags
}

var importOpts importOptions

// importCmd loads receipts and transactions into the database
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import receipts and transactions into the database",
	Long: `Import parses receipt CSV files and bank transaction files (CSV, OFX or
QFX), cleans them and stores them in the database. Records that repeat an
existing ID replace it.

Receipt CSV columns: id, user_id, merchant, amount, date, category, source,
extraction_confidence and created_at. Only merchant is required; receipts
with an empty amount or date are stored and later resolve to unmatched.

Transaction layouts: standard, bank1, bank2, or auto to detect the layout
from each file's header row.

With --evaluate every imported transaction re-evaluates the open receipts
in its date window, as if it had just arrived from the bank feed.

Examples:
  matcher import --receipts receipts.csv
  matcher import --transactions january.ofx --user u-42 --evaluate
  matcher import --transactions export.csv --layout bank2`,
	PreRunE: validateImportFlags,
	RunE:    runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringSliceVarP(&importOpts.receiptFiles, "receipts", "r", nil, "receipt CSV files")
	importCmd.Flags().StringSliceVarP(&importOpts.transactionFiles, "transactions", "t", nil, "transaction CSV/OFX/QFX files")
	importCmd.Flags().StringVar(&importOpts.layout, "layout", "auto", "transaction CSV layout: auto, standard, bank1, bank2")
	importCmd.Flags().BoolVar(&importOpts.evaluate, "evaluate", false, "re-evaluate open receipts against each imported transaction")
	importOpts.report.register(importCmd)
	importCmd.MarkFlagsOneRequired("receipts", "transactions")
}

func validateImportFlags(cmd *cobra.Command, args []string) error {
	for _, path := range append(append([]string{}, importOpts.receiptFiles...), importOpts.transactionFiles...) {
		if err := validateFileExists(path); err != nil {
			return err
		}
	}
	if _, err := config.CreateTransactionParserConfig(importOpts.layout, ""); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "layout", importOpts.layout, err)
	}
	return importOpts.report.validate()
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logger.GetGlobalLogger().WithComponent("import")

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	loader, err := parsers.NewConcurrentParser(cfg.Parsing)
	if err != nil {
		return err
	}
	pre := reconciler.NewPreprocessor(nil)

	if len(importOpts.receiptFiles) > 0 {
		receipts, err := loadReceipts(ctx, loader, pre, importOpts.receiptFiles, log)
		if err != nil {
			return err
		}
		if err := store.SaveReceipts(ctx, receipts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Imported %d receipts\n", len(receipts))
	}

	if len(importOpts.transactionFiles) == 0 {
		return nil
	}
	transactions, err := loadTransactions(ctx, loader, pre, importOpts.transactionFiles, importOpts.layout, log)
	if err != nil {
		return err
	}
	if err := store.SaveTransactions(ctx, transactions); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Imported %d transactions\n", len(transactions))

	if !importOpts.evaluate {
		return nil
	}
	var evals []*matcher.Evaluation
	err = logger.TimedOperation("evaluate imported transactions", log, func() error {
		var evalErr error
		evals, evalErr = evaluateTransactions(ctx, store, transactions)
		return evalErr
	})
	if evals == nil && err != nil {
		return err
	}
	if reportErr := importOpts.report.writeReport(cmd, reporter.NewReport(evals)); reportErr != nil {
		return reportErr
	}
	return err
}

// evaluateTransactions feeds each transaction to the event handler in
// order. Failures are collected and returned next to the evaluations.
func evaluateTransactions(ctx context.Context, store *storage.SQLiteStore, transactions []*models.Transaction) ([]*matcher.Evaluation, error) {
	engine, err := newEngine(ctx, store)
	if err != nil {
		return nil, err
	}

	// seed merchant history with what was stored before this import; the
	// handler observes each new transaction itself
	stored, err := store.ListTransactions(ctx, cfg.UserID)
	if err != nil {
		return nil, err
	}
	imported := make(map[string]bool, len(transactions))
	for _, tx := range transactions {
		imported[tx.ID] = true
	}
	history := stored[:0]
	for _, tx := range stored {
		if !imported[tx.ID] {
			history = append(history, tx)
		}
	}
	engine.Normalizer().Rebuild(history)

	rec, err := reconciler.New(engine, store, store)
	if err != nil {
		return nil, err
	}

	evals := []*matcher.Evaluation{}
	var failures []*errors.MatchError
	for _, tx := range transactions {
		results, err := rec.HandleTransaction(ctx, tx)
		evals = append(evals, results...)
		if errors.IsCode(err, errors.CodeCancelled) {
			return evals, err
		}
		if err != nil {
			failures = append(failures, errors.WrapIfNeeded(err, errors.CategoryMatching, errors.CodeSearchFailed, "handle transaction "+tx.ID))
		}
	}
	if len(failures) > 0 {
		return evals, errors.NewErrorSummary(failures)
	}
	return evals, nil
}

func loadReceipts(ctx context.Context, loader *parsers.ConcurrentParser, pre *reconciler.Preprocessor, paths []string, log logger.Logger) ([]*models.Receipt, error) {
	parser, err := parsers.NewReceiptParser(config.CreateReceiptParserConfig(cfg.UserID))
	if err != nil {
		return nil, err
	}

	receipts, stats, err := loader.ParseReceiptFiles(ctx, paths, parser)
	if err := tolerate(err, log, "Some receipt files could not be read"); err != nil {
		return nil, err
	}
	if stats != nil && stats.HasErrors() {
		log.WithField("stats", stats.String()).Warn("Skipped invalid receipt rows")
	}

	receipts, _, err = pre.PreprocessReceipts(receipts)
	if err := tolerate(err, log, "Dropped receipts during preprocessing"); err != nil {
		return nil, err
	}
	return receipts, nil
}

// loadTransactions parses transaction files. With the auto layout each
// file's layout is detected and files sharing a layout are parsed together.
func loadTransactions(ctx context.Context, loader *parsers.ConcurrentParser, pre *reconciler.Preprocessor, paths []string, layout string, log logger.Logger) ([]*models.Transaction, error) {
	type group struct {
		config *parsers.TransactionParserConfig
		paths  []string
	}
	var groups []*group

	fixed, err := config.CreateTransactionParserConfig(layout, cfg.UserID)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "layout", layout, err)
	}
	if fixed != nil {
		groups = append(groups, &group{config: fixed, paths: paths})
	} else {
		byName := make(map[string]*group)
		for _, path := range paths {
			detected, err := config.DetectTransactionParserConfig(path, cfg.UserID)
			if err != nil {
				return nil, errors.FileError(errors.CodeInvalidFormat, path, err)
			}
			g, ok := byName[detected.Name]
			if !ok {
				g = &group{config: detected}
				byName[detected.Name] = g
				groups = append(groups, g)
			}
			g.paths = append(g.paths, path)
			log.WithFields(logger.Fields{"file": path, "layout": detected.Name}).Debug("Detected transaction layout")
		}
	}

	var transactions []*models.Transaction
	for _, g := range groups {
		parser, err := parsers.NewTransactionParser(g.config)
		if err != nil {
			return nil, err
		}
		parsed, stats, err := loader.ParseTransactionFiles(ctx, g.paths, parser)
		if err := tolerate(err, log, "Some transaction files could not be read"); err != nil {
			return nil, err
		}
		if stats != nil && stats.HasErrors() {
			log.WithField("stats", stats.String()).Warn("Skipped invalid transaction rows")
		}
		transactions = append(transactions, parsed...)
	}

	transactions, _, err = pre.PreprocessTransactions(transactions)
	if err := tolerate(err, log, "Dropped transactions during preprocessing"); err != nil {
		return nil, err
	}
	return transactions, nil
}

// tolerate logs an error summary of skipped records and passes any other error through
func tolerate(err error, log logger.Logger, message string) error {
	if err == nil {
		return nil
	}
	if summary, ok := err.(*errors.ErrorSummary); ok {
		log.WithFields(logger.Fields{
			"skipped": summary.Total,
			"errors":  summary.Error(),
		}).Warn(message)
		return nil
	}
	return err
}

func validateFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsPermission(err) {
			return errors.FileError(errors.CodeFilePermission, path, err)
		}
		return errors.FileError(errors.CodeFileNotFound, path, err)
	}
	if info.IsDir() {
		return errors.FileError(errors.CodeFileNotFound, path, fmt.Errorf("%s is a directory, expected a file", path))
	}
	return nil
}
