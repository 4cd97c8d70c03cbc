// Package normalizer canonicalizes merchant text from receipts and bank
// descriptors and resolves it against known merchant profiles.
package normalizer

import (
	"sync/atomic"

	"receipt-matching-service/internal/cache"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/logger"
)

// DefaultAliasThreshold is the NormalizedSimilarity needed for a fuzzy alias hit
const DefaultAliasThreshold = 0.8

// Result is the outcome of normalizing one raw merchant string
type Result struct {
	Raw       string `json:"raw"`
	Canonical string `json:"canonical"`
	Alias     string `json:"alias,omitempty"`
}

// Key returns the resolved profile name when known, otherwise the canonical form
func (r Result) Key() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Canonical
}

// Normalizer turns raw merchant text into comparable keys
type Normalizer struct {
	registry       *ProfileRegistry
	cache          cache.Cache[string, Result]
	aliasThreshold float64
	seenVersion    atomic.Uint64
	logger         logger.Logger
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithCache memoizes results keyed by raw string
func WithCache(c cache.Cache[string, Result]) Option {
	return func(n *Normalizer) { n.cache = c }
}

// WithAliasThreshold overrides DefaultAliasThreshold
func WithAliasThreshold(threshold float64) Option {
	return func(n *Normalizer) { n.aliasThreshold = threshold }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// New creates a Normalizer. A nil registry disables alias resolution.
func New(registry *ProfileRegistry, opts ...Option) *Normalizer {
	n := &Normalizer{
		registry:       registry,
		aliasThreshold: DefaultAliasThreshold,
		logger:         logger.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithComponent("normalizer")
	if registry != nil {
		n.seenVersion.Store(registry.Version())
	}
	return n
}

// Registry returns the profile registry, which may be nil
func (n *Normalizer) Registry() *ProfileRegistry {
	return n.registry
}

// Normalize canonicalizes raw and resolves it against known profiles
func (n *Normalizer) Normalize(raw string) Result {
	n.invalidateIfStale()

	return cache.GetOrComputeChecked(n.cache, raw, func() Result {
		return n.compute(raw)
	}, func(r Result) bool {
		return r.Raw == raw && (r.Canonical != "" || raw == "" || Canonicalize(raw) == "")
	})
}

// ObserveTransaction feeds a transaction into the merchant profiles
func (n *Normalizer) ObserveTransaction(tx *models.Transaction) {
	if n.registry == nil || tx == nil {
		return
	}
	date, ok := tx.DateValue()
	if !ok {
		return
	}
	amount, _ := tx.AmountValue()
	n.registry.Observe(n.Normalize(tx.Description).Key(), amount, date)
}

// Rebuild discards observed statistics and replays txs. Names and aliases
// loaded from alias files are kept.
func (n *Normalizer) Rebuild(txs []*models.Transaction) {
	if n.registry == nil {
		return
	}
	n.registry.ResetObservations()
	for _, tx := range txs {
		n.ObserveTransaction(tx)
	}
}

// History returns the observed occurrences for a normalized merchant
func (n *Normalizer) History(result Result) []models.Occurrence {
	if n.registry == nil {
		return nil
	}
	return n.registry.History(result.Key())
}

func (n *Normalizer) compute(raw string) Result {
	result := Result{Raw: raw, Canonical: Canonicalize(raw)}
	if n.registry == nil || result.Canonical == "" {
		return result
	}

	if name, ok := n.registry.Resolve(result.Canonical, n.aliasThreshold); ok {
		result.Alias = name
		if name != result.Canonical {
			n.logger.WithFields(logger.Fields{
				"canonical": result.Canonical,
				"alias":     name,
			}).Debug("Resolved merchant alias")
		}
	}
	return result
}

// invalidateIfStale drops memoized results once profile names or aliases change
func (n *Normalizer) invalidateIfStale() {
	if n.registry == nil || n.cache == nil {
		return
	}
	current := n.registry.Version()
	if seen := n.seenVersion.Load(); seen != current && n.seenVersion.CompareAndSwap(seen, current) {
		n.cache.Purge()
	}
}
