package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/storage"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
)

type feedbackOptions struct {
	target    string
	correct   bool
	incorrect bool
}

var feedbackOpts feedbackOptions

// feedbackCmd confirms or rejects a match and saves the adjusted weights
var feedbackCmd = &cobra.Command{
	Use:   "feedback <receipt-id>",
	Short: "Confirm or reject a match and update the scoring weights",
	Long: `Feedback tells the matcher whether a receipt really belongs to a
transaction (or duplicates another receipt). The pair's feature scores are
recomputed and the weights move towards the factors that agreed with the
answer. The new weight version is saved and used by later sweeps.

Without --target the pair comes from the receipt's stored decision.

Examples:
  matcher feedback r-102 --correct
  matcher feedback r-102 --target t-881 --incorrect`,
	Args: cobra.ExactArgs(1),
	RunE: runFeedback,
}

func init() {
	rootCmd.AddCommand(feedbackCmd)

	feedbackCmd.Flags().StringVar(&feedbackOpts.target, "target", "", "transaction or receipt ID (default: the stored decision's target)")
	feedbackCmd.Flags().BoolVar(&feedbackOpts.correct, "correct", false, "the pair is a true match")
	feedbackCmd.Flags().BoolVar(&feedbackOpts.incorrect, "incorrect", false, "the pair is not a match")
	feedbackCmd.MarkFlagsMutuallyExclusive("correct", "incorrect")
	feedbackCmd.MarkFlagsOneRequired("correct", "incorrect")
}

func runFeedback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	receiptID := args[0]

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	receipt, err := store.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	target, kind, err := resolveFeedbackTarget(ctx, store, receiptID, feedbackOpts.target)
	if err != nil {
		return err
	}

	engine, err := newEngine(ctx, store)
	if err != nil {
		return err
	}
	features, err := engine.Extractor().Extract(receipt, target)
	if err != nil {
		return errors.WrapIfNeeded(err, errors.CategoryMatching, errors.CodeCandidateFailed, "extract features").
			WithContext("receipt_id", receiptID).
			WithContext("target_id", target.RecordID())
	}

	updated, err := engine.RecordFeedback(matcher.MatchCandidate{
		ReceiptID:   receiptID,
		CandidateID: target.RecordID(),
		Kind:        kind,
		Features:    features,
	}, feedbackOpts.correct)
	if err != nil {
		return err
	}
	if err := store.SaveWeights(ctx, updated); err != nil {
		return err
	}

	verdict := "incorrect"
	if feedbackOpts.correct {
		verdict = "correct"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s: %s -> %s (%s)\n", verdict, receiptID, target.RecordID(), kind)
	printWeights(cmd.OutOrStdout(), updated)
	return nil
}

// resolveFeedbackTarget loads the candidate side of the pair. An explicit ID
// is looked up as a transaction first, then as a receipt.
func resolveFeedbackTarget(ctx context.Context, store *storage.SQLiteStore, receiptID, targetID string) (models.Record, matcher.CandidateKind, error) {
	kind := matcher.KindTransaction
	if targetID == "" {
		outcome, err := store.GetOutcome(ctx, receiptID)
		if err != nil && !errors.IsCode(err, errors.CodeNotFound) {
			return nil, "", err
		}
		if outcome.TargetID == "" {
			return nil, "", errors.ValidationError(errors.CodeMissingField, "target", receiptID, nil).
				WithSuggestion("the receipt has no decision with a target, pass --target")
		}
		targetID = outcome.TargetID
		if outcome.Kind == matcher.DecisionDuplicate {
			kind = matcher.KindReceipt
		}
	}

	if kind == matcher.KindTransaction {
		tx, err := store.GetTransaction(ctx, targetID)
		if err == nil {
			return tx, matcher.KindTransaction, nil
		}
		if !errors.IsCode(err, errors.CodeNotFound) {
			return nil, "", err
		}
	}

	other, err := store.GetReceipt(ctx, targetID)
	if err != nil {
		return nil, "", err
	}
	if other.ID == receiptID {
		return nil, "", errors.ValidationError(errors.CodeInvalidData, "target", targetID, nil).
			WithSuggestion("a receipt cannot be paired with itself")
	}
	return other, matcher.KindReceipt, nil
}

func printWeights(out io.Writer, v *weights.Vector) {
	fmt.Fprintf(out, "Weights version %d (updated %s)\n", v.Version(), v.UpdatedAt().Format("2006-01-02 15:04:05"))
	for _, factor := range weights.AllFactors {
		value, _ := v.Get(factor)
		fmt.Fprintf(out, "  %-10s %.4f\n", factor, value)
	}
}
