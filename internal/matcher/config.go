// Package matcher provides the receipt matching engine and its configuration.
//
// The engine decides, for each receipt, whether it corresponds to a bank
// transaction, duplicates an earlier receipt, needs manual review, or stays
// unmatched. Matching runs in stages:
//  1. Candidate search over a bounded date and amount window
//  2. Feature extraction (amount, date, merchant, category, pattern bonuses)
//  3. Weighted confidence scoring with explanations
//  4. Tiered resolution into a MatchDecision
//
// Example usage:
//
//	config := matcher.DefaultMatchingConfig()
//	config.DateWindowDays = 2
//
//	engine, err := matcher.NewEngine(config)
//	results := engine.FindMatches(receipt, transactions, engine.DefaultMatchOptions())
//	eval, err := engine.Evaluate(ctx, receipt, source)
package matcher

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/patterns"
	"receipt-matching-service/internal/weights"
)

// Tier labels a confidence value against the configured thresholds
type Tier int

const (
	// TierExact is a near-certain match requiring no review
	TierExact Tier = iota

	// TierHigh is confident enough to match automatically
	TierHigh

	// TierMedium usually lands in the review queue
	TierMedium

	// TierLow is the weakest confidence still reported as a candidate
	TierLow

	// TierNone is below every threshold
	TierNone
)

// String returns the string representation of Tier
func (t Tier) String() string {
	switch t {
	case TierExact:
		return "EXACT"
	case TierHigh:
		return "HIGH"
	case TierMedium:
		return "MEDIUM"
	case TierLow:
		return "LOW"
	case TierNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the tier name in JSON and CSV output
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Thresholds holds the four confidence tiers
type Thresholds struct {
	Exact  float64 `json:"exact" mapstructure:"exact"`
	High   float64 `json:"high" mapstructure:"high"`
	Medium float64 `json:"medium" mapstructure:"medium"`
	Low    float64 `json:"low" mapstructure:"low"`
}

// TierOf classifies a confidence value
func (t Thresholds) TierOf(confidence float64) Tier {
	switch {
	case confidence >= t.Exact:
		return TierExact
	case confidence >= t.High:
		return TierHigh
	case confidence >= t.Medium:
		return TierMedium
	case confidence >= t.Low:
		return TierLow
	default:
		return TierNone
	}
}

// AmountBand maps relative amount differences below MaxRelativeDiff to Score
type AmountBand struct {
	MaxRelativeDiff float64 `json:"max_relative_diff" mapstructure:"max_relative_diff"`
	Score           float64 `json:"score" mapstructure:"score"`
}

// MerchantScoring tunes the merchant similarity factor
type MerchantScoring struct {
	// ContainmentScore applies when the candidate's canonical form contains the query's
	ContainmentScore float64 `json:"containment_score" mapstructure:"containment_score"`

	// BonusCutoff is the Jaro-Winkler value above which BonusMultiplier applies
	BonusCutoff     float64 `json:"bonus_cutoff" mapstructure:"bonus_cutoff"`
	BonusMultiplier float64 `json:"bonus_multiplier" mapstructure:"bonus_multiplier"`

	// ScoreCap keeps fuzzy scores below an exact canonical match
	ScoreCap float64 `json:"score_cap" mapstructure:"score_cap"`
}

// MatchingConfig holds configuration parameters for receipt matching.
// It controls the candidate window, the factor scoring curves, the decision
// tiers, the initial weight vector, the pattern sets and the batch sweep.
//
// Use the provided factory functions for common scenarios:
//   - DefaultMatchingConfig(): balanced approach for most use cases
//   - StrictMatchingConfig(): tight windows and higher thresholds
//   - RelaxedMatchingConfig(): wide windows for noisy OCR input
type MatchingConfig struct {
	// DateWindowDays is both the search window and the date score decay length
	DateWindowDays int `json:"date_window_days" mapstructure:"date_window_days"`

	// AmountTolerancePercent bounds the candidate search around the receipt amount (0.0 to 100.0)
	AmountTolerancePercent float64 `json:"amount_tolerance_percent" mapstructure:"amount_tolerance_percent"`

	// ExactAmountDelta is the absolute difference below which amounts score 1.0
	ExactAmountDelta float64 `json:"exact_amount_delta" mapstructure:"exact_amount_delta"`

	// AmountBands are checked in order; the first band containing the relative difference wins
	AmountBands []AmountBand `json:"amount_bands" mapstructure:"amount_bands"`

	Merchant MerchantScoring `json:"merchant" mapstructure:"merchant"`

	Thresholds Thresholds `json:"thresholds" mapstructure:"thresholds"`

	// DuplicateThreshold is the receipt-vs-receipt confidence that marks a duplicate
	DuplicateThreshold float64 `json:"duplicate_threshold" mapstructure:"duplicate_threshold"`

	// ReviewFactor scales Thresholds.High down to the start of the review band
	ReviewFactor float64 `json:"review_factor" mapstructure:"review_factor"`

	// MaxCandidates limits the records fetched per search (0 means unlimited)
	MaxCandidates int `json:"max_candidates" mapstructure:"max_candidates"`

	// MaxMatches limits the ranked candidates kept per receipt
	MaxMatches int `json:"max_matches" mapstructure:"max_matches"`

	// LearningRate is the feedback step size
	LearningRate float64 `json:"learning_rate" mapstructure:"learning_rate"`

	// Weights is the initial factor weight vector, normalized on load
	Weights map[string]float64 `json:"weights" mapstructure:"weights"`

	// AliasThreshold is the normalized similarity needed for a fuzzy alias hit
	AliasThreshold float64 `json:"alias_threshold" mapstructure:"alias_threshold"`

	Patterns patterns.Config `json:"patterns" mapstructure:"patterns"`

	CacheSize int           `json:"cache_size" mapstructure:"cache_size"`
	CacheTTL  time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`

	// BatchSize and Concurrency shape the batch sweep
	BatchSize   int `json:"batch_size" mapstructure:"batch_size"`
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// DefaultMatchingConfig returns a configuration with sensible defaults
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		DateWindowDays:         3,
		AmountTolerancePercent: 10.0,
		ExactAmountDelta:       0.01,
		AmountBands: []AmountBand{
			{MaxRelativeDiff: 0.01, Score: 0.9},
			{MaxRelativeDiff: 0.05, Score: 0.7},
			{MaxRelativeDiff: 0.10, Score: 0.5},
		},
		Merchant: MerchantScoring{
			ContainmentScore: 0.9,
			BonusCutoff:      0.85,
			BonusMultiplier:  1.05,
			ScoreCap:         0.99,
		},
		Thresholds:         Thresholds{Exact: 0.95, High: 0.8, Medium: 0.6, Low: 0.4},
		DuplicateThreshold: 0.9,
		ReviewFactor:       0.7,
		MaxCandidates:      200,
		MaxMatches:         5,
		LearningRate:       weights.DefaultLearningRate,
		Weights:            weightNames(weights.DefaultWeights()),
		AliasThreshold:     0.8,
		Patterns:           patterns.DefaultConfig(),
		CacheSize:          10000,
		CacheTTL:           30 * time.Minute,
		BatchSize:          50,
		Concurrency:        4,
	}
}

// StrictMatchingConfig returns a configuration for strict matching
func StrictMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.DateWindowDays = 1
	config.AmountTolerancePercent = 1.0
	config.AmountBands = []AmountBand{
		{MaxRelativeDiff: 0.005, Score: 0.9},
		{MaxRelativeDiff: 0.01, Score: 0.7},
	}
	config.Thresholds = Thresholds{Exact: 0.97, High: 0.9, Medium: 0.75, Low: 0.5}
	config.DuplicateThreshold = 0.95
	config.MaxMatches = 3
	return config
}

// RelaxedMatchingConfig returns a configuration for relaxed matching
func RelaxedMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.DateWindowDays = 5
	config.AmountTolerancePercent = 15.0
	config.AmountBands = []AmountBand{
		{MaxRelativeDiff: 0.01, Score: 0.9},
		{MaxRelativeDiff: 0.05, Score: 0.75},
		{MaxRelativeDiff: 0.15, Score: 0.5},
	}
	config.Thresholds = Thresholds{Exact: 0.93, High: 0.75, Medium: 0.55, Low: 0.35}
	config.DuplicateThreshold = 0.88
	config.MaxMatches = 10
	return config
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if mc.DateWindowDays < 0 {
		return fmt.Errorf("date window days cannot be negative: %d", mc.DateWindowDays)
	}

	if mc.AmountTolerancePercent < 0.0 || mc.AmountTolerancePercent > 100.0 {
		return fmt.Errorf("amount tolerance percent must be between 0.0 and 100.0: %f", mc.AmountTolerancePercent)
	}

	if mc.ExactAmountDelta <= 0 {
		return fmt.Errorf("exact amount delta must be positive: %f", mc.ExactAmountDelta)
	}

	prevDiff, prevScore := 0.0, 1.0
	for i, band := range mc.AmountBands {
		if band.MaxRelativeDiff <= prevDiff {
			return fmt.Errorf("amount band %d must widen the previous band: %f", i, band.MaxRelativeDiff)
		}
		if band.Score <= 0 || band.Score > prevScore {
			return fmt.Errorf("amount band %d score must be in (0, %f]: %f", i, prevScore, band.Score)
		}
		prevDiff, prevScore = band.MaxRelativeDiff, band.Score
	}

	if err := mc.Merchant.Validate(); err != nil {
		return fmt.Errorf("invalid merchant scoring: %w", err)
	}

	if err := mc.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}

	if mc.DuplicateThreshold <= 0.0 || mc.DuplicateThreshold > 1.0 {
		return fmt.Errorf("duplicate threshold must be in (0.0, 1.0]: %f", mc.DuplicateThreshold)
	}

	if mc.ReviewFactor <= 0.0 || mc.ReviewFactor > 1.0 {
		return fmt.Errorf("review factor must be in (0.0, 1.0]: %f", mc.ReviewFactor)
	}

	if mc.MaxCandidates < 0 {
		return fmt.Errorf("max candidates cannot be negative: %d", mc.MaxCandidates)
	}

	if mc.MaxMatches <= 0 {
		return fmt.Errorf("max matches must be positive: %d", mc.MaxMatches)
	}

	if mc.LearningRate <= 0.0 || mc.LearningRate > 1.0 {
		return fmt.Errorf("learning rate must be in (0.0, 1.0]: %f", mc.LearningRate)
	}

	if _, err := mc.InitialWeights(); err != nil {
		return fmt.Errorf("invalid weights: %w", err)
	}

	if mc.AliasThreshold <= 0.0 || mc.AliasThreshold > 1.0 {
		return fmt.Errorf("alias threshold must be in (0.0, 1.0]: %f", mc.AliasThreshold)
	}

	if err := mc.Patterns.Validate(); err != nil {
		return fmt.Errorf("invalid patterns: %w", err)
	}

	if mc.CacheSize < 0 {
		return fmt.Errorf("cache size cannot be negative: %d", mc.CacheSize)
	}

	if mc.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive: %d", mc.BatchSize)
	}

	if mc.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive: %d", mc.Concurrency)
	}

	return nil
}

// Validate checks that the tiers are ordered and within [0, 1]
func (t Thresholds) Validate() error {
	if t.Low < 0.0 || t.Exact > 1.0 {
		return fmt.Errorf("thresholds must be within 0.0 and 1.0")
	}
	if !(t.Low <= t.Medium && t.Medium <= t.High && t.High <= t.Exact) {
		return fmt.Errorf("thresholds must satisfy low <= medium <= high <= exact, got %.2f/%.2f/%.2f/%.2f",
			t.Low, t.Medium, t.High, t.Exact)
	}
	return nil
}

// Validate checks the merchant scoring parameters
func (m MerchantScoring) Validate() error {
	if m.ContainmentScore <= 0.0 || m.ContainmentScore > 1.0 {
		return fmt.Errorf("containment score must be in (0.0, 1.0]: %f", m.ContainmentScore)
	}
	if m.BonusCutoff < 0.0 || m.BonusCutoff > 1.0 {
		return fmt.Errorf("bonus cutoff must be between 0.0 and 1.0: %f", m.BonusCutoff)
	}
	if m.BonusMultiplier < 1.0 {
		return fmt.Errorf("bonus multiplier cannot shrink scores: %f", m.BonusMultiplier)
	}
	if m.ScoreCap <= 0.0 || m.ScoreCap > 1.0 {
		return fmt.Errorf("score cap must be in (0.0, 1.0]: %f", m.ScoreCap)
	}
	return nil
}

// InitialWeights builds the version-1 weight vector from Weights
func (mc *MatchingConfig) InitialWeights() (*weights.Vector, error) {
	parsed := make(map[weights.Factor]float64, len(mc.Weights))
	for name, w := range mc.Weights {
		factor, err := weights.ParseFactor(name)
		if err != nil {
			return nil, err
		}
		parsed[factor] = w
	}
	return weights.NewVector(parsed)
}

// ReviewThreshold is the lowest confidence routed to manual review
func (mc *MatchingConfig) ReviewThreshold() float64 {
	return mc.ReviewFactor * mc.Thresholds.High
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}

	clone := *mc
	clone.AmountBands = append([]AmountBand(nil), mc.AmountBands...)
	clone.Weights = make(map[string]float64, len(mc.Weights))
	for name, w := range mc.Weights {
		clone.Weights[name] = w
	}
	clone.Patterns = patterns.Config{
		RoundAmounts:           append([]float64(nil), mc.Patterns.RoundAmounts...),
		TaxRates:               append([]float64(nil), mc.Patterns.TaxRates...),
		TipRates:               append([]float64(nil), mc.Patterns.TipRates...),
		RecurringIntervals:     append([]int(nil), mc.Patterns.RecurringIntervals...),
		RecurringToleranceDays: mc.Patterns.RecurringToleranceDays,
		RecurringMinHits:       mc.Patterns.RecurringMinHits,

		RecurringAmountTolerancePercent: mc.Patterns.RecurringAmountTolerancePercent,
	}
	return &clone
}

// SearchWindow returns the date and amount ranges searched around a record.
// The upper amount bound also admits the largest configured tip.
func (mc *MatchingConfig) SearchWindow(amount decimal.Decimal, date time.Time) (DateRange, AmountRange) {
	day := models.TruncateToDay(date)
	dates := DateRange{
		From: day.AddDate(0, 0, -mc.DateWindowDays),
		To:   day.AddDate(0, 0, mc.DateWindowDays),
	}

	amount = amount.Abs()
	below := mc.AmountTolerancePercent / 100.0
	above := below
	for _, tip := range mc.Patterns.TipRates {
		if tip > above {
			above = tip
		}
	}
	amounts := AmountRange{
		Min: amount.Mul(decimal.NewFromFloat(1 - below)).Round(2),
		Max: amount.Mul(decimal.NewFromFloat(1 + above)).Round(2),
	}
	return dates, amounts
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{DateWindow: %d days, AmountTolerance: %.2f%%, Tiers: %.2f/%.2f/%.2f/%.2f, Duplicate: %.2f}",
		mc.DateWindowDays, mc.AmountTolerancePercent,
		mc.Thresholds.Exact, mc.Thresholds.High, mc.Thresholds.Medium, mc.Thresholds.Low,
		mc.DuplicateThreshold)
}

func weightNames(w map[weights.Factor]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for factor, value := range w {
		out[string(factor)] = value
	}
	return out
}
