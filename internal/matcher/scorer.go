package matcher

import (
	"fmt"
	"math"

	"receipt-matching-service/internal/weights"
)

var coreFactors = []weights.Factor{
	weights.FactorAmount,
	weights.FactorDate,
	weights.FactorMerchant,
	weights.FactorCategory,
}

// Score combines a feature vector into a confidence in [0, 1].
//
// The base is the weighted mean over present core factors. The strongest
// pattern bonus then closes part of the remaining gap to 1, scaled by the
// pattern weight, so bonuses can only raise confidence. Score is pure.
func Score(fv *FeatureVector, w *weights.Vector) (float64, []string) {
	if fv == nil || w == nil {
		return 0, nil
	}

	var weighted, total float64
	for _, factor := range coreFactors {
		score, _ := fv.Factor(factor)
		if !score.Present {
			continue
		}
		weight, ok := w.Get(factor)
		if !ok {
			continue
		}
		weighted += weight * clamp01(score.Value)
		total += weight
	}

	base := 0.0
	if total > 0 {
		base = weighted / total
	}

	confidence := base
	if bonus, ok := fv.PatternScore(); ok {
		if patternWeight, known := w.Get(weights.FactorPattern); known {
			confidence = base + (1-base)*patternWeight*clamp01(bonus)
		}
	}

	return clamp01(confidence), Explain(fv)
}

// Breakdown returns each present factor's weighted contribution, for audit records
func Breakdown(fv *FeatureVector, w *weights.Vector) map[weights.Factor]float64 {
	out := make(map[weights.Factor]float64)
	if fv == nil || w == nil {
		return out
	}
	for _, factor := range coreFactors {
		score, _ := fv.Factor(factor)
		if weight, ok := w.Get(factor); ok && score.Present {
			out[factor] = weight * score.Value
		}
	}
	if bonus, ok := fv.PatternScore(); ok {
		if weight, known := w.Get(weights.FactorPattern); known {
			out[weights.FactorPattern] = weight * bonus
		}
	}
	return out
}

// Explain lists the informative factors of a feature vector
func Explain(fv *FeatureVector) []string {
	var reasons []string

	// Amount reasons
	switch {
	case !fv.Amount.Present:
	case fv.Amount.Value == 1.0 && fv.AmountDelta.IsZero():
		reasons = append(reasons, "Exact amount match")
	case fv.Amount.Value == 1.0:
		reasons = append(reasons, "Amount within one cent")
	case fv.Amount.Value > 0:
		percent := math.Max(1, math.Ceil(fv.RelativeAmountDiff*100))
		reasons = append(reasons, fmt.Sprintf("Amount within %.0f%%", percent))
	}

	// Date reasons
	switch {
	case !fv.Date.Present || fv.Date.Value == 0:
	case fv.DaysApart == 0:
		reasons = append(reasons, "Same day transaction")
	case fv.DaysApart == 1:
		reasons = append(reasons, "Date within 1 day")
	default:
		reasons = append(reasons, fmt.Sprintf("Date within %d days", fv.DaysApart))
	}

	// Merchant reasons
	switch {
	case !fv.Merchant.Present:
	case fv.Merchant.Value >= 0.9:
		reasons = append(reasons, "Strong merchant name match")
	case fv.Merchant.Value >= 0.7:
		reasons = append(reasons, "Partial merchant name match")
	}

	if fv.Category.Present && fv.Category.Value == 1.0 {
		reasons = append(reasons, "Category match")
	}

	for _, bonus := range fv.PatternBonuses {
		reasons = append(reasons, bonus.Reason)
	}

	return append(reasons, fv.Explanations...)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
