package matcher

import (
	"receipt-matching-service/internal/weights"
)

const (
	ReasonNoCandidates     = "no candidates in search window"
	ReasonBelowThreshold   = "no candidate above review threshold"
	ReasonInsufficientData = "insufficient data"
)

// Resolver applies the tiered decision policy to scored candidates.
// It is deterministic: the same inputs always give the same decision.
type Resolver struct {
	config *MatchingConfig
}

// NewResolver creates a resolver
func NewResolver(config *MatchingConfig) *Resolver {
	return &Resolver{config: config}
}

// Resolve decides the outcome for one receipt. Candidate slices must already
// be ranked. The duplicate check runs first, then the automatic match, then
// the review band.
func (r *Resolver) Resolve(matches, duplicates MatchResults, w *weights.Vector) MatchDecision {
	if dup, ok := duplicates.Best(); ok && dup.Confidence >= r.config.DuplicateThreshold {
		return Duplicate{ExistingReceiptID: dup.CandidateID, Confidence: dup.Confidence}
	}

	best, ok := r.bestMatchable(matches)
	if ok && best.Confidence >= r.config.Thresholds.High {
		return Matched{TransactionID: best.CandidateID, Confidence: best.Confidence}
	}

	top, found := matches.Best()
	if !found {
		return Unmatched{Reason: ReasonNoCandidates}
	}
	if top.Confidence >= r.config.ReviewThreshold() {
		audit := top
		return Review{
			Best:       &audit,
			Confidence: top.Confidence,
			Breakdown:  Breakdown(top.Features, w),
		}
	}
	return Unmatched{Reason: ReasonBelowThreshold}
}

// bestMatchable returns the top candidate not vetoed from automatic matching
func (r *Resolver) bestMatchable(matches MatchResults) (MatchCandidate, bool) {
	for _, c := range matches.Candidates {
		if !Vetoed(c.Features) {
			return c, true
		}
	}
	return MatchCandidate{}, false
}

// Vetoed reports whether a present date or amount score of zero rules the
// candidate out of automatic matching regardless of other factors
func Vetoed(fv *FeatureVector) bool {
	if fv == nil {
		return true
	}
	return (fv.Date.Present && fv.Date.Value == 0) || (fv.Amount.Present && fv.Amount.Value == 0)
}
