package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/patterns"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
)

func TestAmountScore(t *testing.T) {
	e := newTestEngine(t).Extractor()

	tests := []struct {
		a, b string
		want float64
	}{
		{"5.75", "5.75", 1.0},
		{"5.75", "5.755", 1.0},
		{"100.00", "100.01", 0.9},
		{"100.00", "103.00", 0.7},
		{"100.00", "108.00", 0.5},
		{"100.00", "112.00", 0},
		{"100.00", "-100.00", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			got := e.AmountScore(amount(tt.a).Abs(), amount(tt.b).Abs())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountScore_Monotone(t *testing.T) {
	e := newTestEngine(t).Extractor()
	base := amount("100.00")

	prev := 1.0
	for cents := int64(0); cents <= 2500; cents += 7 {
		other := base.Add(decimal.New(cents, -2))
		score := e.AmountScore(base, other)
		require.LessOrEqual(t, score, prev, "diff %s", other.Sub(base))
		prev = score
	}
	assert.Zero(t, prev)
}

func TestDateScore(t *testing.T) {
	e := newTestEngine(t).Extractor()
	day := date(2024, 1, 1)

	assert.Equal(t, 1.0, e.DateScore(day, day))
	assert.InDelta(t, 2.0/3.0, e.DateScore(day, day.AddDate(0, 0, 1)), 1e-12)
	assert.InDelta(t, 1.0/3.0, e.DateScore(day.AddDate(0, 0, 2), day), 1e-12)
	assert.Equal(t, 0.0, e.DateScore(day, day.AddDate(0, 0, 3)), "zero at the window boundary")
	assert.Equal(t, 0.0, e.DateScore(day, day.AddDate(0, 0, 4)))
}

func TestDateScore_MonotoneAndZeroAtWindow(t *testing.T) {
	for _, window := range []int{0, 1, 3, 7} {
		config := DefaultMatchingConfig()
		config.DateWindowDays = window
		e := newTestEngineWith(t, config).Extractor()
		day := date(2024, 6, 15)

		prev := 1.0
		for d := 0; d <= window+3; d++ {
			score := e.DateScore(day, day.AddDate(0, 0, -d))
			assert.LessOrEqual(t, score, prev)
			if d >= window && !(window == 0 && d == 0) {
				assert.Zero(t, score, "window %d, days %d", window, d)
			}
			prev = score
		}
	}
}

func TestDateScore_ZeroWindowSameDayOnly(t *testing.T) {
	config := DefaultMatchingConfig()
	config.DateWindowDays = 0
	e := newTestEngineWith(t, config).Extractor()
	day := date(2024, 6, 15)

	assert.Equal(t, 1.0, e.DateScore(day, day.Add(20*time.Hour)))
	assert.Equal(t, 0.0, e.DateScore(day, day.AddDate(0, 0, 1)))
}

func TestMerchantScore_ContainmentIsOneDirectional(t *testing.T) {
	engine := newTestEngine(t)
	e := engine.Extractor()
	n := engine.Normalizer()

	short := n.Normalize("Amazon")
	long := n.Normalize("Amazon.com Prime")
	require.Equal(t, "amazon", short.Key())
	require.Equal(t, "amazon prime", long.Key())

	forward := e.MerchantScore(short, long)
	reverse := e.MerchantScore(long, short)

	assert.Equal(t, 0.9, forward, "candidate contains the query")
	assert.InDelta(t, 0.945, reverse, 1e-9, "reverse direction falls through to boosted Jaro-Winkler")
	assert.NotEqual(t, forward, reverse)
}

func TestMerchantScore(t *testing.T) {
	engine := newTestEngine(t)
	e := engine.Extractor()
	n := engine.Normalizer()

	assert.Equal(t, 1.0, e.MerchantScore(n.Normalize("STARBUCKS #4521"), n.Normalize("Starbucks")))
	assert.Equal(t, 0.0, e.MerchantScore(n.Normalize(""), n.Normalize("Starbucks")))

	fuzzy := e.MerchantScore(n.Normalize("Blue Bottle Coffee"), n.Normalize("Blue Botle Coffee"))
	assert.Greater(t, fuzzy, 0.9)
	assert.LessOrEqual(t, fuzzy, 0.99, "fuzzy scores stay below an exact match")

	unrelated := e.MerchantScore(n.Normalize("Shell Oil"), n.Normalize("Whole Foods"))
	assert.Less(t, unrelated, 0.7)
}

func TestCategoryScore(t *testing.T) {
	score, ok := CategoryScore("Coffee", " coffee ")
	assert.True(t, ok)
	assert.Equal(t, 1.0, score)

	score, ok = CategoryScore("Coffee", "Groceries")
	assert.True(t, ok)
	assert.Zero(t, score)

	_, ok = CategoryScore("", "Groceries")
	assert.False(t, ok, "absent category is excluded, not scored zero")
}

func TestExtract_InsufficientData(t *testing.T) {
	e := newTestEngine(t).Extractor()
	tx := newTransaction("t-1", "Starbucks", "5.75", date(2024, 3, 1))

	noAmount := &models.Receipt{ID: "r-1", UserID: testUser, Merchant: "Starbucks", Date: date(2024, 3, 1)}
	_, err := e.Extract(noAmount, tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInsufficientData))

	noDate := newReceipt("r-2", "Starbucks", "5.75", date(2024, 3, 1))
	noDate.Date = time.Time{}
	_, err = e.Extract(noDate, tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInsufficientData))
}

func TestExtract_AmountWithinOnePercent(t *testing.T) {
	e := newTestEngine(t).Extractor()
	day := date(2024, 3, 1)

	fv, err := e.Extract(newReceipt("r-1", "Corner Deli", "100.00", day), newTransaction("t-1", "Corner Deli", "100.01", day))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, fv.Amount.Value, 0.9)
	assert.True(t, fv.AmountDelta.Equal(amount("0.01")))
	assert.Contains(t, Explain(fv), "Amount within 1%")
}

func TestExtract_DateOutsideWindow(t *testing.T) {
	e := newTestEngine(t).Extractor()

	fv, err := e.Extract(
		newReceipt("r-1", "Target", "42.00", date(2024, 1, 1)),
		newTransaction("t-1", "TARGET", "42.00", date(2024, 1, 5)),
	)
	require.NoError(t, err)

	assert.True(t, fv.Date.Present)
	assert.Zero(t, fv.Date.Value)
	assert.Equal(t, 4, fv.DaysApart)
	assert.True(t, Vetoed(fv))
}

func tipBonus(fv *FeatureVector) *patterns.Bonus {
	for i := range fv.PatternBonuses {
		if fv.PatternBonuses[i].Kind == patterns.KindTip {
			return &fv.PatternBonuses[i]
		}
	}
	return nil
}

func TestExtract_TipIsPatternBonus(t *testing.T) {
	e := newTestEngine(t).Extractor()
	day := date(2024, 3, 1)

	fv, err := e.Extract(newReceipt("r-1", "Joe's Pizza", "50.00", day), newTransaction("t-1", "TST* JOES PIZZA", "60.00", day))
	require.NoError(t, err)

	require.NotNil(t, tipBonus(fv))
	assert.Equal(t, e.AmountScore(amount("50.00"), amount("60.00")), fv.Amount.Value, "the amount score ignores the tip")
	assert.Equal(t, 1.0, fv.Merchant.Value)
}

func TestExtract_AmountScoreNonIncreasingAcrossTipGaps(t *testing.T) {
	e := newTestEngine(t).Extractor()
	day := date(2024, 3, 1)
	receipt := newReceipt("r-1", "Joe's Pizza", "10.00", day)

	previous := 1.0
	for _, charged := range []string{"10.00", "10.30", "10.80", "11.50", "12.00", "12.50"} {
		fv, err := e.Extract(receipt, newTransaction("t-"+charged, "JOES PIZZA", charged, day))
		require.NoError(t, err)
		assert.LessOrEqual(t, fv.Amount.Value, previous, "charged %s", charged)
		previous = fv.Amount.Value
	}
}

func TestExtract_NoTipBetweenReceipts(t *testing.T) {
	e := newTestEngine(t).Extractor()
	day := date(2024, 3, 1)

	fv, err := e.Extract(newReceipt("r-2", "Joe's Pizza", "10.00", day), newReceipt("r-1", "Joe's Pizza", "12.00", day))
	require.NoError(t, err)
	assert.Nil(t, tipBonus(fv))
	assert.Zero(t, fv.Amount.Value)
}

func TestExtract_CategoryExcludedWhenAbsent(t *testing.T) {
	e := newTestEngine(t).Extractor()
	day := date(2024, 3, 1)
	receipt := newReceipt("r-1", "Corner Deli", "12.34", day)
	tx := newTransaction("t-1", "Corner Deli", "12.34", day)

	fv, err := e.Extract(receipt, tx)
	require.NoError(t, err)
	assert.False(t, fv.Category.Present)
	_, hasCategory := fv.Values()[weights.FactorCategory]
	assert.False(t, hasCategory)

	receipt.Category = "Food"
	tx.Category = "food"
	fv, err = e.Extract(receipt, tx)
	require.NoError(t, err)
	assert.Equal(t, FactorScore{Value: 1, Present: true}, fv.Category)
}
