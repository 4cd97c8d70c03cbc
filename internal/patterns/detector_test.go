package patterns

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-matching-service/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(offset int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func TestRoundAmount(t *testing.T) {
	detector := NewDetector(DefaultConfig())

	tests := []struct {
		amount     string
		wantOK     bool
		confidence float64
	}{
		{"100.00", true, 0.9},
		{"20", true, 0.9},
		{"37.00", true, 0.8},
		{"-50.00", true, 0.9},
		{"5.75", false, 0},
		{"0", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			bonus, ok := detector.RoundAmount(d(tt.amount))
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, KindRoundAmount, bonus.Kind)
				assert.Equal(t, tt.confidence, bonus.Confidence)
			}
		})
	}
}

func TestTaxRate_SevenPercent(t *testing.T) {
	detector := NewDetector(DefaultConfig())

	bonus, ok := detector.TaxRate(d("107.00"))
	require.True(t, ok)
	assert.Equal(t, KindTaxRate, bonus.Kind)
	assert.True(t, bonus.Rate.Equal(d("0.07")), "rate %s", bonus.Rate)
	assert.Contains(t, bonus.Reason, "7.00%")
	assert.Contains(t, bonus.Reason, "100.00")
	assert.Equal(t, taxConfidence, bonus.Confidence)
}

func TestTaxRate_NoMatch(t *testing.T) {
	detector := NewDetector(Config{TaxRates: []float64{0.07}, RecurringMinHits: 2})

	_, ok := detector.TaxRate(d("5.75"))
	assert.False(t, ok)

	_, ok = detector.TaxRate(d("0"))
	assert.False(t, ok)
}

func TestTaxRate_FirstConfiguredRateWins(t *testing.T) {
	detector := NewDetector(Config{TaxRates: []float64{0.15, 0.07}, RecurringMinHits: 2})

	bonus, ok := detector.TaxRate(d("5.75"))
	require.True(t, ok)
	assert.True(t, bonus.Rate.Equal(d("0.15")))
	assert.Contains(t, bonus.Reason, "base 5.00")
}

func TestTip(t *testing.T) {
	detector := NewDetector(DefaultConfig())

	bonus, ok := detector.Tip(d("50.00"), d("60.00"))
	require.True(t, ok)
	assert.True(t, bonus.Rate.Equal(d("0.2")))
	assert.Contains(t, bonus.Reason, "20% tip")

	_, ok = detector.Tip(d("42.17"), d("48.50"))
	assert.True(t, ok, "15 percent tip within a cent")

	_, ok = detector.Tip(d("50.00"), d("50.00"))
	assert.False(t, ok)

	_, ok = detector.Tip(d("50.00"), d("63.33"))
	assert.False(t, ok)
}

func TestRecurring(t *testing.T) {
	detector := NewDetector(DefaultConfig())

	bonus, ok := detector.Recurring([]time.Time{day(0), day(30), day(61), day(90)})
	require.True(t, ok)
	assert.Equal(t, KindRecurring, bonus.Kind)
	assert.Equal(t, 30, bonus.IntervalDays)
	assert.InDelta(t, 0.75, bonus.Confidence, 1e-12)

	bonus, ok = detector.Recurring([]time.Time{day(14), day(0), day(7)})
	require.True(t, ok, "input order does not matter")
	assert.Equal(t, 7, bonus.IntervalDays)
	assert.InDelta(t, 0.7, bonus.Confidence, 1e-12)
}

func TestRecurring_NotEnoughHits(t *testing.T) {
	detector := NewDetector(DefaultConfig())

	_, ok := detector.Recurring([]time.Time{day(0), day(30)})
	assert.False(t, ok)

	_, ok = detector.Recurring([]time.Time{day(0), day(3), day(50), day(51)})
	assert.False(t, ok)

	_, ok = detector.Recurring([]time.Time{day(0), day(0), day(0)})
	assert.False(t, ok, "same-day repeats are not intervals")
}

func TestRecurring_ToleranceBoundary(t *testing.T) {
	detector := NewDetector(Config{RecurringIntervals: []int{7}, RecurringToleranceDays: 2, RecurringMinHits: 2})

	_, ok := detector.Recurring([]time.Time{day(0), day(9), day(14)})
	assert.True(t, ok, "gaps of 9 and 5 are within two days of 7")

	_, ok = detector.Recurring([]time.Time{day(0), day(10), day(14)})
	assert.False(t, ok, "a gap of 10 is outside tolerance")
}

func TestDetect(t *testing.T) {
	detector := NewDetector(DefaultConfig())
	history := []models.Occurrence{
		{Amount: d("107.00"), Date: day(0)},
		{Amount: d("107.00"), Date: day(30)},
	}

	bonuses := detector.Detect(d("107.00"), day(60), history)
	kinds := map[Kind]bool{}
	for _, b := range bonuses {
		kinds[b.Kind] = true
	}
	assert.True(t, kinds[KindRoundAmount])
	assert.True(t, kinds[KindTaxRate])
	assert.True(t, kinds[KindRecurring])

	assert.Empty(t, detector.Detect(d("5.73"), day(0), nil))
}

func TestDetect_RecurringNeedsSimilarAmounts(t *testing.T) {
	detector := NewDetector(DefaultConfig())
	history := []models.Occurrence{
		{Amount: d("4.10"), Date: day(0)},
		{Amount: d("23.80"), Date: day(7)},
		{Amount: d("61.00"), Date: day(14)},
	}

	for _, b := range detector.Detect(d("150.00"), day(21), history) {
		assert.NotEqual(t, KindRecurring, b.Kind, "unrelated amounts at the same merchant are not a recurring charge")
	}

	similar := []models.Occurrence{
		{Amount: d("14.99"), Date: day(0)},
		{Amount: d("15.49"), Date: day(30)},
		{Amount: d("61.00"), Date: day(45)},
	}
	var recurring *Bonus
	bonuses := detector.Detect(d("15.49"), day(60), similar)
	for i := range bonuses {
		if bonuses[i].Kind == KindRecurring {
			recurring = &bonuses[i]
		}
	}
	require.NotNil(t, recurring)
	assert.Equal(t, 30, recurring.IntervalDays)
}

func TestStrongest(t *testing.T) {
	_, ok := Strongest(nil)
	assert.False(t, ok)

	best, ok := Strongest([]Bonus{
		{Kind: KindRoundAmount, Confidence: 0.8},
		{Kind: KindTaxRate, Confidence: 0.85},
		{Kind: KindTip, Confidence: 0.85},
	})
	require.True(t, ok)
	assert.Equal(t, KindTaxRate, best.Kind)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.TaxRates = []float64{1.5}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.RecurringIntervals = []int{0}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.RecurringMinHits = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.RecurringAmountTolerancePercent = -1
	assert.Error(t, bad.Validate())
}
