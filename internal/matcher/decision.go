package matcher

import (
	"encoding/json"
	"fmt"

	"receipt-matching-service/internal/weights"
)

// CandidateKind tells whether a candidate is a transaction or another receipt
type CandidateKind string

const (
	KindTransaction CandidateKind = "transaction"
	KindReceipt     CandidateKind = "receipt"
)

// MatchCandidate is one scored (receipt, candidate) pair
type MatchCandidate struct {
	ReceiptID      string         `json:"receipt_id"`
	CandidateID    string         `json:"candidate_id"`
	Kind           CandidateKind  `json:"kind"`
	Confidence     float64        `json:"confidence"`
	Tier           Tier           `json:"tier"`
	Features       *FeatureVector `json:"features"`
	Explanations   []string       `json:"explanations"`
	WeightsVersion uint64         `json:"weights_version"`
}

// CandidateFailure records a candidate that could not be scored
type CandidateFailure struct {
	CandidateID string `json:"candidate_id"`
	Err         error  `json:"-"`
}

// MarshalJSON includes the error text
func (f CandidateFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		CandidateID string `json:"candidate_id"`
		Error       string `json:"error"`
	}{f.CandidateID, msg})
}

// MatchResults holds the ranked candidates and the isolated failures of one scoring pass
type MatchResults struct {
	Candidates []MatchCandidate   `json:"candidates"`
	Failures   []CandidateFailure `json:"failures,omitempty"`
}

// Best returns the highest-ranked candidate
func (r MatchResults) Best() (MatchCandidate, bool) {
	if len(r.Candidates) == 0 {
		return MatchCandidate{}, false
	}
	return r.Candidates[0], true
}

// DecisionKind names a MatchDecision variant
type DecisionKind string

const (
	DecisionMatched   DecisionKind = "matched"
	DecisionDuplicate DecisionKind = "duplicate"
	DecisionReview    DecisionKind = "review"
	DecisionUnmatched DecisionKind = "unmatched"
)

// MatchDecision is the terminal outcome for one receipt. The concrete types
// are Matched, Duplicate, Review and Unmatched.
type MatchDecision interface {
	Kind() DecisionKind
	Score() float64
	fmt.Stringer
	isDecision()
}

// Matched links the receipt to a transaction
type Matched struct {
	TransactionID string  `json:"transaction_id"`
	Confidence    float64 `json:"confidence"`
}

// Duplicate marks the receipt as a repeat of an existing receipt
type Duplicate struct {
	ExistingReceiptID string  `json:"existing_receipt_id"`
	Confidence        float64 `json:"confidence"`
}

// Review routes the best candidate to manual confirmation with its factor breakdown
type Review struct {
	Best       *MatchCandidate            `json:"best"`
	Confidence float64                    `json:"confidence"`
	Breakdown  map[weights.Factor]float64 `json:"breakdown"`
}

// Unmatched leaves the receipt without a link
type Unmatched struct {
	Reason string `json:"reason"`
}

func (Matched) Kind() DecisionKind   { return DecisionMatched }
func (Duplicate) Kind() DecisionKind { return DecisionDuplicate }
func (Review) Kind() DecisionKind    { return DecisionReview }
func (Unmatched) Kind() DecisionKind { return DecisionUnmatched }

func (d Matched) Score() float64   { return d.Confidence }
func (d Duplicate) Score() float64 { return d.Confidence }
func (d Review) Score() float64    { return d.Confidence }
func (Unmatched) Score() float64   { return 0 }

func (Matched) isDecision()   {}
func (Duplicate) isDecision() {}
func (Review) isDecision()    {}
func (Unmatched) isDecision() {}

func (d Matched) String() string {
	return fmt.Sprintf("Matched{transaction=%s, confidence=%.3f}", d.TransactionID, d.Confidence)
}

func (d Duplicate) String() string {
	return fmt.Sprintf("Duplicate{receipt=%s, confidence=%.3f}", d.ExistingReceiptID, d.Confidence)
}

func (d Review) String() string {
	id := ""
	if d.Best != nil {
		id = d.Best.CandidateID
	}
	return fmt.Sprintf("Review{candidate=%s, confidence=%.3f}", id, d.Confidence)
}

func (d Unmatched) String() string {
	return fmt.Sprintf("Unmatched{reason=%s}", d.Reason)
}

// TargetID returns the linked transaction or receipt ID, if any
func TargetID(d MatchDecision) string {
	switch v := d.(type) {
	case Matched:
		return v.TransactionID
	case Duplicate:
		return v.ExistingReceiptID
	case Review:
		if v.Best != nil {
			return v.Best.CandidateID
		}
	}
	return ""
}

// Reason returns the unmatched reason, if any
func Reason(d MatchDecision) string {
	if v, ok := d.(Unmatched); ok {
		return v.Reason
	}
	return ""
}
