// Package reconciler drives the matching engine over stored receipts.
//
// Two entry points share the same evaluation path:
//   - HandleTransaction re-evaluates the open receipts of one user when a
//     new bank transaction is recorded, and returns the decisions inline.
//   - Sweep walks every open receipt in chunks with a bounded worker pool,
//     reporting progress on a caller-owned channel.
//
// Every decision is written back through an OutcomeStore, which replaces any
// earlier outcome for the same receipt.
//
// Example usage:
//
//	rec, err := reconciler.New(engine, store, store)
//	progress := make(chan reconciler.Progress, 8)
//	go func() {
//		for p := range progress {
//			fmt.Printf("%d/%d receipts\n", p.Processed, p.Total)
//		}
//	}()
//	result, err := rec.Sweep(ctx, reconciler.SweepOptions{OlderThan: time.Hour, Progress: progress})
package reconciler

import (
	"context"
	"fmt"
	"time"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// OutcomeStore persists decisions and lists the receipts still open for matching
type OutcomeStore interface {
	ListUnmatchedReceipts(ctx context.Context, filter UnmatchedFilter) ([]*models.Receipt, error)
	SaveDecision(ctx context.Context, eval *matcher.Evaluation) error
}

// UnmatchedFilter narrows the open receipts returned by an OutcomeStore.
// Zero values disable the corresponding condition.
type UnmatchedFilter struct {
	UserID        string    `json:"user_id,omitempty"`
	CreatedBefore time.Time `json:"created_before,omitempty"`
	From          time.Time `json:"from,omitempty"`
	To            time.Time `json:"to,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

// Matches reports whether an open receipt passes the filter
func (f UnmatchedFilter) Matches(r *models.Receipt) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	date, ok := r.DateValue()
	if !ok {
		return false
	}
	day := models.TruncateToDay(date)
	if !f.From.IsZero() && day.Before(models.TruncateToDay(f.From)) {
		return false
	}
	if !f.To.IsZero() && day.After(models.TruncateToDay(f.To)) {
		return false
	}
	return true
}

// Outcome is the persisted form of a decision
type Outcome struct {
	ReceiptID      string               `json:"receipt_id"`
	Kind           matcher.DecisionKind `json:"kind"`
	TargetID       string               `json:"target_id,omitempty"`
	Confidence     float64              `json:"confidence"`
	Reason         string               `json:"reason,omitempty"`
	WeightsVersion uint64               `json:"weights_version"`
	EvaluatedAt    time.Time            `json:"evaluated_at"`
	// Breakdown keeps the per-factor contributions of a review decision
	Breakdown map[weights.Factor]float64 `json:"breakdown,omitempty"`
}

// NewOutcome flattens an evaluation for storage
func NewOutcome(eval *matcher.Evaluation) Outcome {
	outcome := Outcome{
		ReceiptID:      eval.ReceiptID,
		Kind:           eval.Decision.Kind(),
		TargetID:       matcher.TargetID(eval.Decision),
		Confidence:     eval.Decision.Score(),
		Reason:         matcher.Reason(eval.Decision),
		WeightsVersion: eval.WeightsVersion,
		EvaluatedAt:    eval.EvaluatedAt,
	}
	if review, ok := eval.Decision.(matcher.Review); ok && len(review.Breakdown) > 0 {
		outcome.Breakdown = make(map[weights.Factor]float64, len(review.Breakdown))
		for factor, v := range review.Breakdown {
			outcome.Breakdown[factor] = v
		}
	}
	return outcome
}

// Open reports whether the receipt behind this outcome should be evaluated again
func (o Outcome) Open() bool {
	return o.Kind == matcher.DecisionUnmatched || o.Kind == matcher.DecisionReview
}

// Reconciler runs the engine against a candidate source and records outcomes
type Reconciler struct {
	engine      *matcher.Engine
	source      matcher.CandidateSource
	store       OutcomeStore
	batchSize   int
	concurrency int
	logger      logger.Logger
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithBatchSize overrides the configured sweep chunk size
func WithBatchSize(n int) Option {
	return func(r *Reconciler) { r.batchSize = n }
}

// WithConcurrency overrides the configured number of sweep workers
func WithConcurrency(n int) Option {
	return func(r *Reconciler) { r.concurrency = n }
}

// New creates a reconciler. Batch size and concurrency default to the
// engine configuration.
func New(engine *matcher.Engine, source matcher.CandidateSource, store OutcomeStore, opts ...Option) (*Reconciler, error) {
	if engine == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "engine", nil, nil).
			WithSuggestion("Provide a matching engine created with matcher.NewEngine")
	}
	if source == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "candidate_source", nil, nil)
	}
	if store == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "outcome_store", nil, nil)
	}

	config := engine.Config()
	r := &Reconciler{
		engine:      engine,
		source:      source,
		store:       store,
		batchSize:   config.BatchSize,
		concurrency: config.Concurrency,
		logger:      logger.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.batchSize <= 0 {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "batch_size", r.batchSize,
			fmt.Errorf("batch size must be positive"))
	}
	if r.concurrency <= 0 {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "concurrency", r.concurrency,
			fmt.Errorf("concurrency must be positive"))
	}
	r.logger = r.logger.WithComponent("reconciler")

	return r, nil
}

// Engine returns the underlying matching engine
func (r *Reconciler) Engine() *matcher.Engine {
	return r.engine
}

// HandleTransaction re-evaluates the open receipts of tx's owner whose dates
// fall in the search window around tx. The transaction must already be
// visible through the candidate source. Per-receipt failures are returned as
// an *errors.ErrorSummary next to the successful evaluations.
func (r *Reconciler) HandleTransaction(ctx context.Context, tx *models.Transaction) ([]*matcher.Evaluation, error) {
	if tx == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "transaction", nil, nil)
	}
	amount, ok := tx.AmountValue()
	if !ok {
		return nil, errors.ValidationError(errors.CodeInsufficientData, "amount", tx.ID, nil)
	}
	date, ok := tx.DateValue()
	if !ok {
		return nil, errors.ValidationError(errors.CodeInsufficientData, "date", tx.ID, nil)
	}

	r.engine.Normalizer().ObserveTransaction(tx)

	dates, _ := r.engine.Config().SearchWindow(amount, date)
	receipts, err := r.store.ListUnmatchedReceipts(ctx, UnmatchedFilter{
		UserID: tx.UserID,
		From:   dates.From,
		To:     dates.To,
	})
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list unmatched receipts", err).
			WithContext("transaction_id", tx.ID)
	}

	log := r.logger.WithFields(logger.Fields{
		"transaction_id": tx.ID,
		"user_id":        tx.UserID,
		"open_receipts":  len(receipts),
	})
	log.Debug("Handling new transaction")

	w := r.engine.Weights().Snapshot()
	var evaluations []*matcher.Evaluation
	var failures []*errors.MatchError
	for _, receipt := range receipts {
		if err := ctx.Err(); err != nil {
			return evaluations, errors.MatchingError(errors.CodeCancelled, "handle transaction", err)
		}
		eval, failure := r.evaluate(ctx, w, receipt)
		if failure != nil {
			failures = append(failures, failure)
			continue
		}
		evaluations = append(evaluations, eval)
	}

	log.WithFields(logger.Fields{
		"evaluated": len(evaluations),
		"failed":    len(failures),
	}).Info("Handled new transaction")

	if len(failures) > 0 {
		return evaluations, errors.NewErrorSummary(failures)
	}
	return evaluations, nil
}
