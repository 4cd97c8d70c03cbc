// Package weights holds the versioned factor weights used by the confidence
// scorer and the feedback rule that adjusts them.
package weights

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"receipt-matching-service/pkg/logger"
)

// Factor names one scoring signal
type Factor string

const (
	FactorAmount   Factor = "amount"
	FactorDate     Factor = "date"
	FactorMerchant Factor = "merchant"
	FactorCategory Factor = "category"
	FactorPattern  Factor = "pattern"
)

// AllFactors lists the factors in scoring order
var AllFactors = []Factor{FactorAmount, FactorDate, FactorMerchant, FactorCategory, FactorPattern}

// ParseFactor converts a configured factor name
func ParseFactor(name string) (Factor, error) {
	for _, factor := range AllFactors {
		if string(factor) == name {
			return factor, nil
		}
	}
	return "", fmt.Errorf("unknown weight factor '%s'", name)
}

// DefaultLearningRate is the step size of the feedback rule
const DefaultLearningRate = 0.01

// DefaultWeights returns the initial factor weights
func DefaultWeights() map[Factor]float64 {
	return map[Factor]float64{
		FactorAmount:   0.35,
		FactorDate:     0.20,
		FactorMerchant: 0.30,
		FactorCategory: 0.05,
		FactorPattern:  0.10,
	}
}

// Vector is an immutable, versioned set of weights summing to 1
type Vector struct {
	version   uint64
	weights   map[Factor]float64
	updatedAt time.Time
}

// NewVector normalizes the given weights into a version-1 vector
func NewVector(weights map[Factor]float64) (*Vector, error) {
	return newVersion(weights, 1)
}

// Restore rebuilds a vector with a known version, e.g. from storage
func Restore(weights map[Factor]float64, version uint64) (*Vector, error) {
	return newVersion(weights, version)
}

func newVersion(weights map[Factor]float64, version uint64) (*Vector, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("weight vector needs at least one factor")
	}

	sum := 0.0
	for factor, w := range weights {
		if factor == "" {
			return nil, fmt.Errorf("weight factor name cannot be empty")
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weight for %s must be a finite non-negative number, got %f", factor, w)
		}
		sum += w
	}
	if sum == 0 {
		return nil, fmt.Errorf("weights cannot all be zero")
	}

	normalized := make(map[Factor]float64, len(weights))
	for factor, w := range weights {
		normalized[factor] = w / sum
	}

	return &Vector{version: version, weights: normalized, updatedAt: time.Now().UTC()}, nil
}

// Version increases by one with every feedback update
func (v *Vector) Version() uint64 { return v.version }

// UpdatedAt is when this version was produced
func (v *Vector) UpdatedAt() time.Time { return v.updatedAt }

// Get returns the weight of a factor and whether the factor is known
func (v *Vector) Get(factor Factor) (float64, bool) {
	w, ok := v.weights[factor]
	return w, ok
}

// Weights returns a copy of the weight map
func (v *Vector) Weights() map[Factor]float64 {
	out := make(map[Factor]float64, len(v.weights))
	for factor, w := range v.weights {
		out[factor] = w
	}
	return out
}

// Factors returns the known factors in a stable order
func (v *Vector) Factors() []Factor {
	factors := make([]Factor, 0, len(v.weights))
	for factor := range v.weights {
		factors = append(factors, factor)
	}
	sort.Slice(factors, func(i, j int) bool { return factors[i] < factors[j] })
	return factors
}

// Sum returns the total weight, 1 within floating point error
func (v *Vector) Sum() float64 {
	sum := 0.0
	for _, factor := range v.Factors() {
		sum += v.weights[factor]
	}
	return sum
}

// MarshalJSON renders the vector with its version
func (v *Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version   uint64             `json:"version"`
		Weights   map[Factor]float64 `json:"weights"`
		UpdatedAt time.Time          `json:"updated_at"`
	}{v.version, v.weights, v.updatedAt})
}

// Store publishes the current vector to readers and serializes updates.
// Readers call Snapshot and never block on writers.
type Store struct {
	writeMu      sync.Mutex
	current      atomic.Pointer[Vector]
	learningRate float64
	logger       logger.Logger
}

// NewStore creates a store seeded with initial
func NewStore(initial *Vector, learningRate float64, log logger.Logger) *Store {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if learningRate <= 0 {
		learningRate = DefaultLearningRate
	}
	s := &Store{learningRate: learningRate, logger: log.WithComponent("weights")}
	s.current.Store(initial)
	return s
}

// Snapshot returns the current immutable vector
func (s *Store) Snapshot() *Vector {
	return s.current.Load()
}

// LearningRate returns the configured step size
func (s *Store) LearningRate() float64 {
	return s.learningRate
}

// Replace swaps in a vector loaded from elsewhere
func (s *Store) Replace(v *Vector) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.current.Store(v)
}

// Update applies w += rate * direction * value for every known factor in
// features, clamps at zero, renormalizes to sum 1 and publishes the result as
// a new version. Unknown or non-finite factors are skipped and logged.
func (s *Store) Update(features map[Factor]float64, wasCorrect bool) *Vector {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.current.Load()
	direction := -1.0
	if wasCorrect {
		direction = 1.0
	}

	next := prev.Weights()
	applied := 0
	for _, factor := range sortedKeys(features) {
		value := features[factor]
		if _, known := next[factor]; !known {
			s.logger.WithField("factor", factor).Warn("Skipping unknown weight factor")
			continue
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			s.logger.WithField("factor", factor).Warn("Skipping non-finite feature value")
			continue
		}
		next[factor] = math.Max(0, next[factor]+s.learningRate*direction*value)
		applied++
	}

	sum := 0.0
	for _, w := range next {
		sum += w
	}
	if sum == 0 {
		uniform := 1.0 / float64(len(next))
		for factor := range next {
			next[factor] = uniform
		}
		sum = 1
	}
	for factor, w := range next {
		next[factor] = w / sum
	}

	updated := &Vector{version: prev.version + 1, weights: next, updatedAt: time.Now().UTC()}
	s.current.Store(updated)

	s.logger.WithFields(logger.Fields{
		"version":     updated.version,
		"was_correct": wasCorrect,
		"applied":     applied,
	}).Debug("Updated weight vector")

	return updated
}

func sortedKeys(features map[Factor]float64) []Factor {
	keys := make([]Factor, 0, len(features))
	for factor := range features {
		keys = append(keys, factor)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
