package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFactoriesValidate(t *testing.T) {
	for name, config := range map[string]*MatchingConfig{
		"default": DefaultMatchingConfig(),
		"strict":  StrictMatchingConfig(),
		"relaxed": RelaxedMatchingConfig(),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, config.Validate())
		})
	}
}

func TestConfigValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MatchingConfig)
	}{
		{"negative window", func(c *MatchingConfig) { c.DateWindowDays = -1 }},
		{"tolerance above 100", func(c *MatchingConfig) { c.AmountTolerancePercent = 101 }},
		{"bands not widening", func(c *MatchingConfig) {
			c.AmountBands = []AmountBand{{0.05, 0.9}, {0.01, 0.7}}
		}},
		{"bands score increasing", func(c *MatchingConfig) {
			c.AmountBands = []AmountBand{{0.01, 0.5}, {0.05, 0.7}}
		}},
		{"thresholds out of order", func(c *MatchingConfig) { c.Thresholds.Medium = 0.9 }},
		{"duplicate threshold zero", func(c *MatchingConfig) { c.DuplicateThreshold = 0 }},
		{"review factor above one", func(c *MatchingConfig) { c.ReviewFactor = 1.2 }},
		{"unknown weight", func(c *MatchingConfig) { c.Weights["weekday"] = 0.1 }},
		{"all zero weights", func(c *MatchingConfig) {
			for k := range c.Weights {
				c.Weights[k] = 0
			}
		}},
		{"merchant multiplier shrinks", func(c *MatchingConfig) { c.Merchant.BonusMultiplier = 0.9 }},
		{"zero batch size", func(c *MatchingConfig) { c.BatchSize = 0 }},
		{"zero concurrency", func(c *MatchingConfig) { c.Concurrency = 0 }},
		{"bad tax rate", func(c *MatchingConfig) { c.Patterns.TaxRates = []float64{2} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultMatchingConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestConfigClone_IsDeep(t *testing.T) {
	original := DefaultMatchingConfig()
	clone := original.Clone()

	clone.AmountBands[0].Score = 0.1
	clone.Weights["amount"] = 99
	clone.Patterns.TaxRates[0] = 0.5

	assert.Equal(t, 0.9, original.AmountBands[0].Score)
	assert.Equal(t, 0.35, original.Weights["amount"])
	assert.Equal(t, 0.05, original.Patterns.TaxRates[0])

	var nilConfig *MatchingConfig
	assert.Nil(t, nilConfig.Clone())
}

func TestThresholdsTierOf(t *testing.T) {
	th := DefaultMatchingConfig().Thresholds

	assert.Equal(t, TierExact, th.TierOf(1.0))
	assert.Equal(t, TierExact, th.TierOf(0.95))
	assert.Equal(t, TierHigh, th.TierOf(0.8))
	assert.Equal(t, TierMedium, th.TierOf(0.6))
	assert.Equal(t, TierLow, th.TierOf(0.4))
	assert.Equal(t, TierNone, th.TierOf(0.39))
	assert.Equal(t, "MEDIUM", TierMedium.String())
}

func TestInitialWeights(t *testing.T) {
	v, err := DefaultMatchingConfig().InitialWeights()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Version())
	assert.InDelta(t, 1.0, v.Sum(), 1e-9)
}

func TestReviewThreshold(t *testing.T) {
	assert.InDelta(t, 0.56, DefaultMatchingConfig().ReviewThreshold(), 1e-12)
}

func TestSearchWindow(t *testing.T) {
	config := DefaultMatchingConfig()

	dates, amounts := config.SearchWindow(amount("-100.00"), date(2024, 3, 1).Add(15*time.Hour))

	assert.Equal(t, date(2024, 2, 27), dates.From)
	assert.Equal(t, date(2024, 3, 4), dates.To)
	assert.True(t, amounts.Min.Equal(amount("90")), "min %s", amounts.Min)
	assert.True(t, amounts.Max.Equal(amount("125")), "max admits a 25%% tip, got %s", amounts.Max)
}
