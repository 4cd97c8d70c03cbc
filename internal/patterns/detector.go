// Package patterns detects amount and timing regularities (round amounts,
// tax-inclusive totals, tips, recurring charges) that raise confidence in a
// candidate match.
package patterns

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/models"
)

// Kind identifies a detected pattern
type Kind string

const (
	KindRoundAmount Kind = "round_amount"
	KindTaxRate     Kind = "tax_rate"
	KindTip         Kind = "tip"
	KindRecurring   Kind = "recurring"
)

const (
	commonRoundConfidence  = 0.9
	genericRoundConfidence = 0.8
	taxConfidence          = 0.85
	tipConfidence          = 0.85
	recurringBase          = 0.7
	recurringStep          = 0.05
	recurringCap           = 0.95
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	cent    = decimal.RequireFromString("0.01")
	// taxResidueCents is how far base*100 may sit from a whole cent
	taxResidueCents = decimal.RequireFromString("0.01")
)

// Bonus is one detected pattern with its own confidence and reason
type Bonus struct {
	Kind         Kind            `json:"kind"`
	Confidence   float64         `json:"confidence"`
	Reason       string          `json:"reason"`
	Rate         decimal.Decimal `json:"rate,omitempty"`
	IntervalDays int             `json:"interval_days,omitempty"`
}

// Config lists the values each detection checks against
type Config struct {
	RoundAmounts           []float64 `json:"round_amounts" mapstructure:"round_amounts"`
	TaxRates               []float64 `json:"tax_rates" mapstructure:"tax_rates"`
	TipRates               []float64 `json:"tip_rates" mapstructure:"tip_rates"`
	RecurringIntervals     []int     `json:"recurring_intervals" mapstructure:"recurring_intervals"`
	RecurringToleranceDays int       `json:"recurring_tolerance_days" mapstructure:"recurring_tolerance_days"`
	RecurringMinHits       int       `json:"recurring_min_hits" mapstructure:"recurring_min_hits"`
	// RecurringAmountTolerancePercent is how far (0.0 to 100.0) a past charge
	// may differ from the current amount and still count toward recurrence
	RecurringAmountTolerancePercent float64 `json:"recurring_amount_tolerance_percent" mapstructure:"recurring_amount_tolerance_percent"`
}

// DefaultConfig returns the default detection sets
func DefaultConfig() Config {
	return Config{
		RoundAmounts:           []float64{5, 10, 20, 25, 50, 100, 200, 500, 1000},
		TaxRates:               []float64{0.05, 0.06, 0.07, 0.0725, 0.08, 0.0825, 0.0875, 0.09, 0.10, 0.13, 0.15, 0.20},
		TipRates:               []float64{0.10, 0.15, 0.18, 0.20, 0.22, 0.25},
		RecurringIntervals:     []int{7, 14, 28, 30, 31},
		RecurringToleranceDays: 2,
		RecurringMinHits:       2,

		RecurringAmountTolerancePercent: 10.0,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	for _, rate := range c.TaxRates {
		if rate <= 0 || rate >= 1 {
			return fmt.Errorf("tax rate must be between 0 and 1, got %f", rate)
		}
	}
	for _, rate := range c.TipRates {
		if rate <= 0 || rate >= 1 {
			return fmt.Errorf("tip rate must be between 0 and 1, got %f", rate)
		}
	}
	for _, interval := range c.RecurringIntervals {
		if interval <= 0 {
			return fmt.Errorf("recurring interval must be positive, got %d", interval)
		}
	}
	if c.RecurringToleranceDays < 0 {
		return fmt.Errorf("recurring tolerance cannot be negative")
	}
	if c.RecurringMinHits < 1 {
		return fmt.Errorf("recurring min hits must be at least 1")
	}
	if c.RecurringAmountTolerancePercent < 0 || c.RecurringAmountTolerancePercent > 100 {
		return fmt.Errorf("recurring amount tolerance percent must be between 0.0 and 100.0: %f", c.RecurringAmountTolerancePercent)
	}
	return nil
}

// Detector runs pattern detections. It holds no mutable state.
type Detector struct {
	config       Config
	roundAmounts []decimal.Decimal
	taxRates     []decimal.Decimal
	tipRates     []decimal.Decimal
}

// NewDetector creates a detector from the configuration
func NewDetector(config Config) *Detector {
	return &Detector{
		config:       config,
		roundAmounts: toDecimals(config.RoundAmounts),
		taxRates:     toDecimals(config.TaxRates),
		tipRates:     toDecimals(config.TipRates),
	}
}

// Detect runs the single-amount and history detections for one charge.
// history holds prior occurrences of the same merchant; date is the charge date.
// Only occurrences of a similar amount take part in the recurring check.
func (d *Detector) Detect(amount decimal.Decimal, date time.Time, history []models.Occurrence) []Bonus {
	var bonuses []Bonus

	if bonus, ok := d.RoundAmount(amount); ok {
		bonuses = append(bonuses, bonus)
	}
	if bonus, ok := d.TaxRate(amount); ok {
		bonuses = append(bonuses, bonus)
	}

	if len(history) > 0 {
		dates := make([]time.Time, 0, len(history)+1)
		for _, occ := range history {
			if d.similarAmount(amount, occ.Amount) {
				dates = append(dates, occ.Date)
			}
		}
		if len(dates) > 0 && !date.IsZero() {
			dates = append(dates, date)
		}
		if bonus, ok := d.Recurring(dates); ok {
			bonuses = append(bonuses, bonus)
		}
	}

	return bonuses
}

// similarAmount reports whether past lies within the recurring amount
// tolerance of current, relative to current.
func (d *Detector) similarAmount(current, past decimal.Decimal) bool {
	current, past = current.Abs(), past.Abs()
	if current.Equal(past) {
		return true
	}
	if !current.IsPositive() {
		return false
	}
	limit := current.Mul(decimal.NewFromFloat(d.config.RecurringAmountTolerancePercent)).Div(hundred)
	return current.Sub(past).Abs().LessThanOrEqual(limit)
}

// RoundAmount flags whole-dollar amounts, boosting the configured common values
func (d *Detector) RoundAmount(amount decimal.Decimal) (Bonus, bool) {
	amount = amount.Abs()
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return Bonus{}, false
	}

	for _, round := range d.roundAmounts {
		if amount.Equal(round) {
			return Bonus{
				Kind:       KindRoundAmount,
				Confidence: commonRoundConfidence,
				Reason:     fmt.Sprintf("Common round amount %s", amount.StringFixed(2)),
			}, true
		}
	}

	return Bonus{
		Kind:       KindRoundAmount,
		Confidence: genericRoundConfidence,
		Reason:     fmt.Sprintf("Round amount %s", amount.StringFixed(2)),
	}, true
}

// TaxRate finds the first configured rate for which amount/(1+rate) lands on
// a whole cent, meaning amount is a tax-inclusive total of a clean base price.
func (d *Detector) TaxRate(amount decimal.Decimal) (Bonus, bool) {
	amount = amount.Abs()
	if !amount.IsPositive() {
		return Bonus{}, false
	}

	for _, rate := range d.taxRates {
		baseCents := amount.Div(one.Add(rate)).Mul(hundred)
		residue := baseCents.Sub(baseCents.Round(0)).Abs()
		if residue.GreaterThan(taxResidueCents) {
			continue
		}

		base := baseCents.Round(0).Div(hundred)
		if !base.IsPositive() || base.Equal(amount) {
			continue
		}
		return Bonus{
			Kind:       KindTaxRate,
			Confidence: taxConfidence,
			Rate:       rate,
			Reason: fmt.Sprintf("Amount matches %s%% tax on base %s",
				rate.Mul(hundred).StringFixed(2), base.StringFixed(2)),
		}, true
	}

	return Bonus{}, false
}

// Tip reports whether charged equals base plus one of the configured tip
// percentages, within one cent.
func (d *Detector) Tip(base, charged decimal.Decimal) (Bonus, bool) {
	base, charged = base.Abs(), charged.Abs()
	if !base.IsPositive() || !charged.GreaterThan(base) {
		return Bonus{}, false
	}

	for _, rate := range d.tipRates {
		expected := base.Mul(one.Add(rate))
		if expected.Sub(charged).Abs().LessThanOrEqual(cent) {
			return Bonus{
				Kind:       KindTip,
				Confidence: tipConfidence,
				Rate:       rate,
				Reason: fmt.Sprintf("Charge includes %s%% tip on %s",
					rate.Mul(hundred).StringFixed(0), base.StringFixed(2)),
			}, true
		}
	}

	return Bonus{}, false
}

// Recurring looks for a configured interval matched by at least
// RecurringMinHits day gaps between consecutive dates.
func (d *Detector) Recurring(dates []time.Time) (Bonus, bool) {
	if len(dates) < d.config.RecurringMinHits+1 {
		return Bonus{}, false
	}

	sorted := append([]time.Time(nil), dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var gaps []int
	for i := 1; i < len(sorted); i++ {
		if gap := models.DaysBetween(sorted[i], sorted[i-1]); gap > 0 {
			gaps = append(gaps, gap)
		}
	}

	bestInterval, bestHits, bestDeviation := 0, 0, math.MaxInt
	for _, interval := range d.config.RecurringIntervals {
		hits, deviation := 0, 0
		for _, gap := range gaps {
			diff := gap - interval
			if diff < 0 {
				diff = -diff
			}
			if diff <= d.config.RecurringToleranceDays {
				hits++
				deviation += diff
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && deviation < bestDeviation) {
			bestInterval, bestHits, bestDeviation = interval, hits, deviation
		}
	}

	if bestHits < d.config.RecurringMinHits {
		return Bonus{}, false
	}

	confidence := math.Min(recurringCap, recurringBase+recurringStep*float64(bestHits-d.config.RecurringMinHits))
	return Bonus{
		Kind:         KindRecurring,
		Confidence:   confidence,
		IntervalDays: bestInterval,
		Reason:       fmt.Sprintf("Recurs every %d days (%d matching intervals)", bestInterval, bestHits),
	}, true
}

// Strongest returns the highest-confidence bonus, preferring earlier entries on ties
func Strongest(bonuses []Bonus) (Bonus, bool) {
	if len(bonuses) == 0 {
		return Bonus{}, false
	}
	best := bonuses[0]
	for _, b := range bonuses[1:] {
		if b.Confidence > best.Confidence {
			best = b
		}
	}
	return best, true
}

func toDecimals(values []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, decimal.NewFromFloat(v))
	}
	return out
}
