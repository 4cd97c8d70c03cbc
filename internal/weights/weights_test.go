package weights

import (
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-matching-service/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	v, err := NewVector(DefaultWeights())
	require.NoError(t, err)
	return NewStore(v, DefaultLearningRate, logger.Discard())
}

func TestNewVector(t *testing.T) {
	v, err := NewVector(map[Factor]float64{FactorAmount: 2, FactorDate: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Version())

	w, ok := v.Get(FactorAmount)
	assert.True(t, ok)
	assert.InDelta(t, 0.5, w, 1e-12)

	_, ok = v.Get(FactorMerchant)
	assert.False(t, ok)

	assert.Equal(t, []Factor{FactorAmount, FactorDate}, v.Factors())
}

func TestNewVector_Invalid(t *testing.T) {
	cases := map[string]map[Factor]float64{
		"empty":    {},
		"negative": {FactorAmount: -1, FactorDate: 2},
		"all zero": {FactorAmount: 0},
		"nan":      {FactorAmount: math.NaN()},
		"no name":  {"": 1},
	}
	for name, weights := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewVector(weights)
			assert.Error(t, err)
		})
	}
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	v, err := NewVector(DefaultWeights())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.Sum(), 1e-9)
}

func TestUpdate_IncorrectLowersMerchantWeight(t *testing.T) {
	store := newTestStore(t)
	before, _ := store.Snapshot().Get(FactorMerchant)

	updated := store.Update(map[Factor]float64{FactorMerchant: 0.9}, false)

	after, _ := updated.Get(FactorMerchant)
	assert.Less(t, after, before)
	assert.Equal(t, uint64(2), updated.Version())
	assert.InDelta(t, 1.0, updated.Sum(), 1e-9)
	assert.Same(t, updated, store.Snapshot())
}

func TestUpdate_CorrectRaisesWeight(t *testing.T) {
	store := newTestStore(t)
	before, _ := store.Snapshot().Get(FactorAmount)

	updated := store.Update(map[Factor]float64{FactorAmount: 1.0}, true)

	after, _ := updated.Get(FactorAmount)
	assert.Greater(t, after, before)
}

func TestUpdate_SkipsUnknownFactors(t *testing.T) {
	store := newTestStore(t)
	before := store.Snapshot().Weights()

	updated := store.Update(map[Factor]float64{"time_of_day": 1.0, FactorDate: 1.0}, true)

	_, known := updated.Get("time_of_day")
	assert.False(t, known, "unknown factors are never added")
	assert.Len(t, updated.Weights(), len(before))

	after, _ := updated.Get(FactorDate)
	assert.Greater(t, after, before[FactorDate], "known factors still update")
}

func TestUpdate_OldSnapshotUnchanged(t *testing.T) {
	store := newTestStore(t)
	snapshot := store.Snapshot()
	original := snapshot.Weights()

	store.Update(map[Factor]float64{FactorMerchant: 1.0}, false)

	assert.Equal(t, original, snapshot.Weights())
	assert.Equal(t, uint64(1), snapshot.Version())
}

func TestUpdate_CollapsesToUniform(t *testing.T) {
	v, err := NewVector(map[Factor]float64{FactorAmount: 1})
	require.NoError(t, err)
	store := NewStore(v, 5.0, logger.Discard())

	updated := store.Update(map[Factor]float64{FactorAmount: 1}, false)
	w, _ := updated.Get(FactorAmount)
	assert.InDelta(t, 1.0, w, 1e-12)
}

func TestUpdate_AlwaysSumsToOne(t *testing.T) {
	store := newTestStore(t)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		features := map[Factor]float64{}
		for _, factor := range AllFactors {
			if rng.Intn(3) > 0 {
				features[factor] = rng.Float64()
			}
		}
		v := store.Update(features, rng.Intn(2) == 0)
		require.InDelta(t, 1.0, v.Sum(), 1e-9, "iteration %d", i)
		for _, factor := range v.Factors() {
			w, _ := v.Get(factor)
			require.GreaterOrEqual(t, w, 0.0)
		}
	}
	assert.Equal(t, uint64(2001), store.Snapshot().Version())
}

func TestUpdate_ConcurrentWritersSerialize(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Update(map[Factor]float64{FactorMerchant: 0.5}, i%2 == 0)
			_ = store.Snapshot().Sum()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(51), store.Snapshot().Version())
	assert.InDelta(t, 1.0, store.Snapshot().Sum(), 1e-9)
}

func TestVector_MarshalJSON(t *testing.T) {
	v, err := Restore(map[Factor]float64{FactorAmount: 1, FactorDate: 1}, 7)
	require.NoError(t, err)

	data, err := json.Marshal(v)
	require.NoError(t, err)

	var decoded struct {
		Version uint64             `json:"version"`
		Weights map[string]float64 `json:"weights"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, uint64(7), decoded.Version)
	assert.InDelta(t, 0.5, decoded.Weights["amount"], 1e-12)
}

func TestParseFactor(t *testing.T) {
	factor, err := ParseFactor("merchant")
	require.NoError(t, err)
	assert.Equal(t, FactorMerchant, factor)

	_, err = ParseFactor("weekday")
	assert.Error(t, err)
}
