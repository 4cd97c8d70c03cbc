package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// SweepOptions selects the receipts of a batch sweep
type SweepOptions struct {
	// OlderThan skips receipts created within this duration of the sweep start
	OlderThan time.Duration
	// UserID limits the sweep to one user when set
	UserID string
	// Limit caps the number of receipts, 0 for all
	Limit int
	// Progress receives a snapshot after every chunk. The caller owns the
	// channel and keeps it drained; Sweep never closes it.
	Progress chan<- Progress
}

// Progress is a snapshot of a running sweep
type Progress struct {
	Total     int                          `json:"total"`
	Processed int                          `json:"processed"`
	Failed    int                          `json:"failed"`
	Chunk     int                          `json:"chunk"`
	Chunks    int                          `json:"chunks"`
	Counts    map[matcher.DecisionKind]int `json:"counts"`
	Elapsed   time.Duration                `json:"elapsed"`
}

// PercentComplete returns processed receipts as a percentage of the total
func (p Progress) PercentComplete() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Processed) / float64(p.Total) * 100
}

// SweepResult summarizes a finished or cancelled sweep
type SweepResult struct {
	Evaluations []*matcher.Evaluation        `json:"evaluations"`
	Counts      map[matcher.DecisionKind]int `json:"counts"`
	Total       int                          `json:"total"`
	Processed   int                          `json:"processed"`
	Failed      int                          `json:"failed"`
	Errors      *errors.ErrorSummary         `json:"errors"`
	Cancelled   bool                         `json:"cancelled"`
	Duration    time.Duration                `json:"duration"`
}

// Sweep evaluates open receipts in chunks of the configured batch size. Each
// chunk runs on a bounded worker pool against a single weight snapshot, and
// cancellation is checked between chunks. A cancelled sweep returns the
// partial result together with a CodeCancelled error.
func (r *Reconciler) Sweep(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	start := time.Now()

	filter := UnmatchedFilter{UserID: opts.UserID, Limit: opts.Limit}
	if opts.OlderThan > 0 {
		filter.CreatedBefore = start.UTC().Add(-opts.OlderThan)
	}

	receipts, err := r.store.ListUnmatchedReceipts(ctx, filter)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list unmatched receipts", err)
	}

	chunks := chunk(receipts, r.batchSize)
	result := &SweepResult{
		Counts: make(map[matcher.DecisionKind]int),
		Total:  len(receipts),
	}
	var failures []*errors.MatchError

	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "sweep",
		Total:     int64(len(receipts)),
		Logger:    r.logger,
	})

	finish := func() {
		result.Errors = errors.NewErrorSummary(failures)
		result.Duration = time.Since(start)
	}

	for i, batch := range chunks {
		if err := ctx.Err(); err != nil {
			result.Cancelled = true
			finish()
			cancelErr := errors.MatchingError(errors.CodeCancelled, "sweep", err).
				WithContext("processed", result.Processed)
			tracker.CompleteWithError(cancelErr)
			return result, cancelErr
		}

		evaluations, batchFailures := r.processChunk(ctx, r.engine.Weights().Snapshot(), batch)
		for _, eval := range evaluations {
			result.Counts[eval.Decision.Kind()]++
		}
		result.Evaluations = append(result.Evaluations, evaluations...)
		result.Processed += len(batch)
		result.Failed += len(batchFailures)
		failures = append(failures, batchFailures...)
		tracker.Add(int64(len(batch)))

		r.emit(ctx, opts.Progress, Progress{
			Total:     result.Total,
			Processed: result.Processed,
			Failed:    result.Failed,
			Chunk:     i + 1,
			Chunks:    len(chunks),
			Counts:    copyCounts(result.Counts),
			Elapsed:   time.Since(start),
		})
	}

	finish()
	tracker.Complete()
	r.logger.WithFields(logger.Fields{
		"total":     result.Total,
		"matched":   result.Counts[matcher.DecisionMatched],
		"duplicate": result.Counts[matcher.DecisionDuplicate],
		"review":    result.Counts[matcher.DecisionReview],
		"unmatched": result.Counts[matcher.DecisionUnmatched],
		"failed":    result.Failed,
		"duration":  result.Duration.String(),
	}).Info("Sweep completed")

	return result, nil
}

// processChunk evaluates one chunk concurrently. Results keep the chunk order;
// receipts that fail are reported instead of aborting their siblings.
func (r *Reconciler) processChunk(ctx context.Context, w *weights.Vector, batch []*models.Receipt) ([]*matcher.Evaluation, []*errors.MatchError) {
	results := make([]*matcher.Evaluation, len(batch))
	var (
		mu       sync.Mutex
		failures []*errors.MatchError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, receipt := range batch {
		g.Go(func() error {
			eval, failure := r.evaluate(gctx, w, receipt)
			if failure != nil {
				mu.Lock()
				failures = append(failures, failure)
				mu.Unlock()
				return nil
			}
			results[i] = eval
			return nil
		})
	}
	_ = g.Wait()

	evaluations := make([]*matcher.Evaluation, 0, len(results))
	for _, eval := range results {
		if eval != nil {
			evaluations = append(evaluations, eval)
		}
	}
	return evaluations, failures
}

// evaluate runs one receipt through the engine and records the decision
func (r *Reconciler) evaluate(ctx context.Context, w *weights.Vector, receipt *models.Receipt) (eval *matcher.Evaluation, failure *errors.MatchError) {
	id := "<nil>"
	if receipt != nil {
		id = receipt.ID
	}
	defer func() {
		if p := recover(); p != nil {
			eval = nil
			failure = errors.InternalError(errors.CodeUnexpectedError, "evaluate receipt", fmt.Errorf("panic: %v", p)).
				WithContext("receipt_id", id)
		}
	}()

	eval, err := r.engine.EvaluateWith(ctx, w, receipt, r.source)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryMatching, errors.CodeCandidateFailed, "evaluate receipt").
			WithContext("receipt_id", id)
	}

	if err := r.store.SaveDecision(ctx, eval); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "save decision", err).
			WithContext("receipt_id", id)
	}

	r.logger.WithFields(logger.Fields{
		"receipt_id": id,
		"decision":   eval.Decision.Kind(),
		"confidence": eval.Decision.Score(),
	}).Debug("Recorded decision")
	return eval, nil
}

func (r *Reconciler) emit(ctx context.Context, ch chan<- Progress, p Progress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	case <-ctx.Done():
	}
}

func chunk[T any](items []T, size int) [][]T {
	var chunks [][]T
	for size < len(items) {
		items, chunks = items[size:], append(chunks, items[:size:size])
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}

func copyCounts(counts map[matcher.DecisionKind]int) map[matcher.DecisionKind]int {
	out := make(map[matcher.DecisionKind]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
