package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"receipt-matching-service/internal/cache"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/normalizer"
	"receipt-matching-service/internal/patterns"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// Engine is the matching and deduplication engine
type Engine struct {
	config     *MatchingConfig
	normalizer *normalizer.Normalizer
	extractor  *Extractor
	resolver   *Resolver
	weights    *weights.Store
	logger     logger.Logger
}

// MatchOptions filters and truncates ranked candidates
type MatchOptions struct {
	MinConfidence float64 `json:"min_confidence"`
	MaxMatches    int     `json:"max_matches"`
}

// Evaluation is the full outcome of evaluating one receipt
type Evaluation struct {
	ReceiptID      string        `json:"receipt_id"`
	Decision       MatchDecision `json:"-"`
	Matches        MatchResults  `json:"matches"`
	Duplicates     MatchResults  `json:"duplicates"`
	WeightsVersion uint64        `json:"weights_version"`
	EvaluatedAt    time.Time     `json:"evaluated_at"`
}

// EngineOption configures an Engine
type EngineOption func(*engineOptions)

type engineOptions struct {
	normalizer *normalizer.Normalizer
	weights    *weights.Store
	merchants  cache.Cache[string, float64]
	logger     logger.Logger
	noCache    bool
}

// WithNormalizer sets the merchant normalizer and its profile registry
func WithNormalizer(n *normalizer.Normalizer) EngineOption {
	return func(o *engineOptions) { o.normalizer = n }
}

// WithWeightStore shares a weight store, e.g. one restored from storage
func WithWeightStore(s *weights.Store) EngineOption {
	return func(o *engineOptions) { o.weights = s }
}

// WithSimilarityCache replaces the default merchant similarity cache
func WithSimilarityCache(c cache.Cache[string, float64]) EngineOption {
	return func(o *engineOptions) { o.merchants = c }
}

// WithoutCache disables memoization entirely
func WithoutCache() EngineOption {
	return func(o *engineOptions) { o.noCache = true }
}

// WithEngineLogger sets the logger
func WithEngineLogger(l logger.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = l }
}

// NewEngine creates an engine with the specified configuration
func NewEngine(config *MatchingConfig, opts ...EngineOption) (*Engine, error) {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching", config.String(), err)
	}
	config = config.Clone()

	o := &engineOptions{logger: logger.GetGlobalLogger()}
	for _, opt := range opts {
		opt(o)
	}
	log := o.logger.WithComponent("matcher")

	if o.normalizer == nil {
		var normCache cache.Cache[string, normalizer.Result]
		if !o.noCache && config.CacheSize > 0 {
			normCache = cache.NewLRU[string, normalizer.Result](config.CacheSize, config.CacheTTL)
		}
		o.normalizer = normalizer.New(normalizer.NewProfileRegistry(0),
			normalizer.WithCache(normCache),
			normalizer.WithAliasThreshold(config.AliasThreshold),
			normalizer.WithLogger(o.logger))
	}
	if o.merchants == nil && !o.noCache && config.CacheSize > 0 {
		o.merchants = cache.NewLRU[string, float64](config.CacheSize, config.CacheTTL)
	}
	if o.weights == nil {
		initial, err := config.InitialWeights()
		if err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "weights", config.Weights, err)
		}
		o.weights = weights.NewStore(initial, config.LearningRate, o.logger)
	}

	return &Engine{
		config:     config,
		normalizer: o.normalizer,
		extractor:  NewExtractor(config, o.normalizer, patterns.NewDetector(config.Patterns), o.merchants),
		resolver:   NewResolver(config),
		weights:    o.weights,
		logger:     log,
	}, nil
}

// Config returns a copy of the current configuration
func (e *Engine) Config() *MatchingConfig {
	return e.config.Clone()
}

// Weights returns the shared weight store
func (e *Engine) Weights() *weights.Store {
	return e.weights
}

// Normalizer returns the merchant normalizer
func (e *Engine) Normalizer() *normalizer.Normalizer {
	return e.normalizer
}

// Extractor returns the feature extractor
func (e *Engine) Extractor() *Extractor {
	return e.extractor
}

// DefaultMatchOptions reports every candidate at or above the LOW tier
func (e *Engine) DefaultMatchOptions() MatchOptions {
	return MatchOptions{MinConfidence: e.config.Thresholds.Low, MaxMatches: e.config.MaxMatches}
}

// FindMatches scores receipt against each transaction with the current
// weights and returns candidates sorted by confidence, filtered and truncated
// by opts. A candidate that fails or panics is reported in Failures without
// affecting the others.
func (e *Engine) FindMatches(receipt models.Record, candidates []*models.Transaction, opts MatchOptions) MatchResults {
	return e.FindMatchesWith(e.weights.Snapshot(), receipt, candidates, opts)
}

// FindMatchesWith is FindMatches against a caller-held weight snapshot
func (e *Engine) FindMatchesWith(w *weights.Vector, receipt models.Record, candidates []*models.Transaction, opts MatchOptions) MatchResults {
	records := make([]models.Record, len(candidates))
	for i, c := range candidates {
		records[i] = c
	}
	return e.score(w, receipt, records, KindTransaction, opts)
}

// FindDuplicates scores receipt against existing receipts and keeps those at
// or above the duplicate threshold
func (e *Engine) FindDuplicates(receipt models.Record, existing []*models.Receipt) MatchResults {
	return e.FindDuplicatesWith(e.weights.Snapshot(), receipt, existing)
}

// FindDuplicatesWith is FindDuplicates against a caller-held weight snapshot
func (e *Engine) FindDuplicatesWith(w *weights.Vector, receipt models.Record, existing []*models.Receipt) MatchResults {
	records := make([]models.Record, 0, len(existing))
	for _, r := range existing {
		if r != nil && r.ID == receipt.RecordID() {
			continue
		}
		records = append(records, r)
	}
	return e.score(w, receipt, records, KindReceipt, MatchOptions{
		MinConfidence: e.config.DuplicateThreshold,
		MaxMatches:    e.config.MaxMatches,
	})
}

// RecordFeedback applies a confirmed or rejected candidate to the weights
// and returns the new vector for the caller to persist
func (e *Engine) RecordFeedback(candidate MatchCandidate, wasCorrect bool) (*weights.Vector, error) {
	if candidate.Features == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "features", candidate.CandidateID, nil)
	}

	updated := e.weights.Update(candidate.Features.Values(), wasCorrect)
	e.logger.WithFields(logger.Fields{
		"receipt_id":   candidate.ReceiptID,
		"candidate_id": candidate.CandidateID,
		"was_correct":  wasCorrect,
		"version":      updated.Version(),
	}).Info("Recorded match feedback")
	return updated, nil
}

// Evaluate searches, scores and resolves one receipt with the current weights
func (e *Engine) Evaluate(ctx context.Context, receipt *models.Receipt, source CandidateSource) (*Evaluation, error) {
	return e.EvaluateWith(ctx, e.weights.Snapshot(), receipt, source)
}

// EvaluateWith is Evaluate against a caller-held weight snapshot. Receipts
// missing an amount or date resolve to Unmatched rather than failing.
func (e *Engine) EvaluateWith(ctx context.Context, w *weights.Vector, receipt *models.Receipt, source CandidateSource) (*Evaluation, error) {
	if receipt == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "receipt", nil, nil)
	}

	eval := &Evaluation{
		ReceiptID:      receipt.ID,
		WeightsVersion: w.Version(),
		EvaluatedAt:    time.Now().UTC(),
	}

	_, hasAmount := receipt.AmountValue()
	_, hasDate := receipt.DateValue()
	if !hasAmount || !hasDate {
		eval.Decision = Unmatched{Reason: ReasonInsufficientData}
		e.logger.WithField("receipt_id", receipt.ID).Debug("Receipt lacks amount or date")
		return eval, nil
	}

	searcher := NewSearcher(source, e.config, e.logger)

	existing, err := searcher.Receipts(ctx, receipt)
	if err != nil {
		return nil, err
	}
	eval.Duplicates = e.FindDuplicatesWith(w, receipt, earlierReceipts(receipt, existing))

	transactions, err := searcher.Transactions(ctx, receipt)
	if err != nil {
		return nil, err
	}
	eval.Matches = e.FindMatchesWith(w, receipt, transactions, e.DefaultMatchOptions())

	eval.Decision = e.resolver.Resolve(eval.Matches, eval.Duplicates, w)

	e.logger.WithFields(logger.Fields{
		"receipt_id": receipt.ID,
		"decision":   eval.Decision.Kind(),
		"confidence": eval.Decision.Score(),
		"candidates": len(eval.Matches.Candidates),
		"failures":   len(eval.Matches.Failures) + len(eval.Duplicates.Failures),
	}).Debug("Evaluated receipt")

	return eval, nil
}

// Resolve applies the decision policy to already scored results
func (e *Engine) Resolve(matches, duplicates MatchResults) MatchDecision {
	return e.resolver.Resolve(matches, duplicates, e.weights.Snapshot())
}

// Tier classifies a confidence value
func (e *Engine) Tier(confidence float64) Tier {
	return e.config.Thresholds.TierOf(confidence)
}

func (e *Engine) score(w *weights.Vector, receipt models.Record, candidates []models.Record, kind CandidateKind, opts MatchOptions) MatchResults {
	var results MatchResults

	for _, candidate := range candidates {
		scored, err := e.scoreOne(w, receipt, candidate, kind)
		if err != nil {
			results.Failures = append(results.Failures, CandidateFailure{CandidateID: safeID(candidate), Err: err})
			e.logger.WithError(err).WithField("candidate_id", safeID(candidate)).Warn("Skipping candidate")
			continue
		}
		if scored.Confidence >= opts.MinConfidence {
			results.Candidates = append(results.Candidates, scored)
		}
	}

	sort.SliceStable(results.Candidates, func(i, j int) bool {
		a, b := results.Candidates[i], results.Candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.CandidateID < b.CandidateID
	})
	results.Candidates = limit(results.Candidates, opts.MaxMatches)

	return results
}

// scoreOne isolates a single comparison so a malformed candidate cannot abort the batch
func (e *Engine) scoreOne(w *weights.Vector, receipt, candidate models.Record, kind CandidateKind) (result MatchCandidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(errors.CodeUnexpectedError, "feature extraction", fmt.Errorf("panic: %v", r))
		}
	}()

	fv, err := e.extractor.Extract(receipt, candidate)
	if err != nil {
		return MatchCandidate{}, err
	}

	confidence, explanations := Score(fv, w)
	return MatchCandidate{
		ReceiptID:      receipt.RecordID(),
		CandidateID:    candidate.RecordID(),
		Kind:           kind,
		Confidence:     confidence,
		Tier:           e.config.Thresholds.TierOf(confidence),
		Features:       fv,
		Explanations:   explanations,
		WeightsVersion: w.Version(),
	}, nil
}

// earlierReceipts keeps receipts seen before receipt, so two copies never
// point at each other as duplicates
func earlierReceipts(receipt *models.Receipt, existing []*models.Receipt) []*models.Receipt {
	var out []*models.Receipt
	for _, other := range existing {
		if other == nil || other.ID == receipt.ID {
			continue
		}
		if !receipt.CreatedAt.IsZero() && !other.CreatedAt.IsZero() && !other.CreatedAt.Equal(receipt.CreatedAt) {
			if other.CreatedAt.Before(receipt.CreatedAt) {
				out = append(out, other)
			}
			continue
		}
		if other.ID < receipt.ID {
			out = append(out, other)
		}
	}
	return out
}

func safeID(record models.Record) (id string) {
	defer func() {
		if recover() != nil {
			id = "<invalid>"
		}
	}()
	return record.RecordID()
}
