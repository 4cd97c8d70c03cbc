package matcher

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/cache"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/normalizer"
	"receipt-matching-service/internal/patterns"
	"receipt-matching-service/internal/similarity"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
)

// FactorScore is one factor's value and whether it takes part in the weighted sum
type FactorScore struct {
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
}

func present(value float64) FactorScore {
	return FactorScore{Value: value, Present: true}
}

// FeatureVector is the per-pair record of factor scores and pattern bonuses.
// Absent factors are excluded from scoring rather than counted as zero.
type FeatureVector struct {
	Amount   FactorScore `json:"amount"`
	Date     FactorScore `json:"date"`
	Merchant FactorScore `json:"merchant"`
	Category FactorScore `json:"category"`

	PatternBonuses []patterns.Bonus `json:"pattern_bonuses,omitempty"`
	Explanations   []string         `json:"explanations,omitempty"`

	AmountDelta        decimal.Decimal `json:"amount_delta"`
	RelativeAmountDiff float64         `json:"relative_amount_diff"`
	DaysApart          int             `json:"days_apart"`
	QueryMerchant      string          `json:"query_merchant"`
	CandidateMerchant  string          `json:"candidate_merchant"`
}

// Factor returns the core factor score for f
func (fv *FeatureVector) Factor(f weights.Factor) (FactorScore, bool) {
	switch f {
	case weights.FactorAmount:
		return fv.Amount, true
	case weights.FactorDate:
		return fv.Date, true
	case weights.FactorMerchant:
		return fv.Merchant, true
	case weights.FactorCategory:
		return fv.Category, true
	default:
		return FactorScore{}, false
	}
}

// PatternScore returns the strongest pattern bonus confidence
func (fv *FeatureVector) PatternScore() (float64, bool) {
	best, ok := patterns.Strongest(fv.PatternBonuses)
	if !ok {
		return 0, false
	}
	return best.Confidence, true
}

// Values returns every present factor, including the pattern factor, keyed for the feedback loop
func (fv *FeatureVector) Values() map[weights.Factor]float64 {
	values := make(map[weights.Factor]float64, len(weights.AllFactors))
	for _, factor := range weights.AllFactors {
		if score, ok := fv.Factor(factor); ok && score.Present {
			values[factor] = score.Value
		}
	}
	if bonus, ok := fv.PatternScore(); ok {
		values[weights.FactorPattern] = bonus
	}
	return values
}

// Extractor computes feature vectors for (receipt, transaction) and
// (receipt, receipt) pairs. It is safe for concurrent use.
type Extractor struct {
	config     *MatchingConfig
	normalizer *normalizer.Normalizer
	detector   *patterns.Detector
	merchants  cache.Cache[string, float64]
}

// NewExtractor creates an extractor. A nil merchant cache recomputes every score.
func NewExtractor(config *MatchingConfig, norm *normalizer.Normalizer, detector *patterns.Detector, merchants cache.Cache[string, float64]) *Extractor {
	if norm == nil {
		norm = normalizer.New(nil)
	}
	if detector == nil {
		detector = patterns.NewDetector(config.Patterns)
	}
	return &Extractor{
		config:     config,
		normalizer: norm,
		detector:   detector,
		merchants:  merchants,
	}
}

// Extract compares query against candidate. A missing amount or date on
// either side rejects the comparison with an insufficient_data ValidationError.
func (e *Extractor) Extract(query, candidate models.Record) (*FeatureVector, error) {
	queryAmount, ok := query.AmountValue()
	if !ok {
		return nil, errors.ValidationError(errors.CodeInsufficientData, "amount", query.RecordID(), nil)
	}
	candidateAmount, ok := candidate.AmountValue()
	if !ok {
		return nil, errors.ValidationError(errors.CodeInsufficientData, "amount", candidate.RecordID(), nil)
	}
	queryDate, ok := query.DateValue()
	if !ok {
		return nil, errors.ValidationError(errors.CodeInsufficientData, "date", query.RecordID(), nil)
	}
	candidateDate, ok := candidate.DateValue()
	if !ok {
		return nil, errors.ValidationError(errors.CodeInsufficientData, "date", candidate.RecordID(), nil)
	}

	fv := &FeatureVector{
		AmountDelta:        candidateAmount.Sub(queryAmount),
		RelativeAmountDiff: relativeDiff(queryAmount, candidateAmount),
		DaysApart:          models.DaysBetween(queryDate, candidateDate),
	}

	fv.Amount = present(e.AmountScore(queryAmount, candidateAmount))
	fv.Date = present(e.DateScore(queryDate, candidateDate))

	queryMerchant := e.normalizer.Normalize(query.MerchantText())
	candidateMerchant := e.normalizer.Normalize(candidate.MerchantText())
	fv.QueryMerchant, fv.CandidateMerchant = queryMerchant.Key(), candidateMerchant.Key()
	if fv.QueryMerchant != "" && fv.CandidateMerchant != "" {
		fv.Merchant = present(e.MerchantScore(queryMerchant, candidateMerchant))
		if candidateMerchant.Alias != "" && candidateMerchant.Alias != candidateMerchant.Canonical {
			fv.Explanations = append(fv.Explanations,
				fmt.Sprintf("Merchant '%s' resolved to '%s'", candidateMerchant.Canonical, candidateMerchant.Alias))
		}
	}

	if score, ok := CategoryScore(query.CategoryLabel(), candidate.CategoryLabel()); ok {
		fv.Category = present(score)
	}

	fv.PatternBonuses = e.detector.Detect(candidateAmount, candidateDate, e.normalizer.History(candidateMerchant))
	// a tip only sits between a receipt and the card charge
	if _, charge := candidate.(*models.Transaction); charge {
		if tip, ok := e.detector.Tip(queryAmount, candidateAmount); ok {
			fv.PatternBonuses = append(fv.PatternBonuses, tip)
		}
	}

	return fv, nil
}

// AmountScore is 1.0 below ExactAmountDelta, then the score of the first
// amount band containing the relative difference, else 0.
func (e *Extractor) AmountScore(a, b decimal.Decimal) float64 {
	diff := a.Sub(b).Abs()
	if diff.LessThan(decimal.NewFromFloat(e.config.ExactAmountDelta)) {
		return 1.0
	}

	rel := relativeDiff(a, b)
	for _, band := range e.config.AmountBands {
		if rel < band.MaxRelativeDiff {
			return band.Score
		}
	}
	return 0
}

// DateScore decays linearly over the window and is exactly 0 at its boundary.
// A zero window scores same-day only.
func (e *Extractor) DateScore(a, b time.Time) float64 {
	days := models.DaysBetween(a, b)
	window := e.config.DateWindowDays
	if window == 0 {
		if days == 0 {
			return 1.0
		}
		return 0
	}
	if days >= window {
		return 0
	}
	return 1.0 - float64(days)/float64(window)
}

// MerchantScore compares normalized merchants. Containment only counts when
// the candidate contains the query, so the score is intentionally asymmetric:
// query "amazon" against "amazon prime" scores ContainmentScore while the
// reverse falls through to Jaro-Winkler.
func (e *Extractor) MerchantScore(query, candidate normalizer.Result) float64 {
	q, c := query.Key(), candidate.Key()
	if q == "" || c == "" {
		return 0
	}
	if q == c {
		return 1.0
	}

	return cache.GetOrComputeChecked(e.merchants, q+"\x00"+c, func() float64 {
		return e.fuzzyMerchantScore(q, c)
	}, validScore)
}

func (e *Extractor) fuzzyMerchantScore(q, c string) float64 {
	if strings.Contains(c, q) {
		return e.config.Merchant.ContainmentScore
	}

	score := similarity.JaroWinkler(q, c)
	if score > e.config.Merchant.BonusCutoff {
		score = math.Min(e.config.Merchant.ScoreCap, score*e.config.Merchant.BonusMultiplier)
	}
	return score
}

// CategoryScore is present only when both sides carry a category
func CategoryScore(a, b string) (float64, bool) {
	a, b = models.NormalizeCategory(a), models.NormalizeCategory(b)
	if a == "" || b == "" {
		return 0, false
	}
	if a == b {
		return 1.0, true
	}
	return 0, true
}

func relativeDiff(a, b decimal.Decimal) float64 {
	a, b = a.Abs(), b.Abs()
	larger := decimal.Max(a, b)
	if larger.IsZero() {
		return 0
	}
	return a.Sub(b).Abs().Div(larger).InexactFloat64()
}

func validScore(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
