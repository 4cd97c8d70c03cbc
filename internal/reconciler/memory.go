package reconciler

import (
	"context"
	"sort"
	"sync"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/errors"
)

// MemoryStore keeps records and outcomes in memory. It serves as both the
// candidate source and the outcome store for file-based runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	source   *matcher.MemorySource
	receipts []*models.Receipt
	byID     map[string]*models.Receipt
	outcomes map[string]Outcome
}

// NewMemoryStore indexes the given records
func NewMemoryStore(transactions []*models.Transaction, receipts []*models.Receipt) *MemoryStore {
	s := &MemoryStore{
		source:   matcher.NewMemorySource(transactions, nil),
		byID:     make(map[string]*models.Receipt),
		outcomes: make(map[string]Outcome),
	}
	for _, r := range receipts {
		s.AddReceipt(r)
	}
	return s
}

// AddTransaction makes a transaction visible to candidate search
func (s *MemoryStore) AddTransaction(tx *models.Transaction) {
	if tx == nil {
		return
	}
	s.source.Transactions.Add(tx)
}

// AddReceipt makes a receipt visible to candidate search and sweeps
func (s *MemoryStore) AddReceipt(r *models.Receipt) {
	if r == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[r.ID]; exists {
		return
	}
	s.byID[r.ID] = r
	s.receipts = append(s.receipts, r)
	s.source.Receipts.Add(r)
}

// FindTransactions implements matcher.CandidateSource
func (s *MemoryStore) FindTransactions(ctx context.Context, userID string, dates matcher.DateRange, amounts matcher.AmountRange) ([]*models.Transaction, error) {
	return s.source.FindTransactions(ctx, userID, dates, amounts)
}

// FindReceipts implements matcher.CandidateSource
func (s *MemoryStore) FindReceipts(ctx context.Context, userID string, dates matcher.DateRange, amounts matcher.AmountRange) ([]*models.Receipt, error) {
	return s.source.FindReceipts(ctx, userID, dates, amounts)
}

// ListUnmatchedReceipts implements OutcomeStore. Receipts without an outcome,
// or whose outcome is still open, are returned oldest first.
func (s *MemoryStore) ListUnmatchedReceipts(ctx context.Context, filter UnmatchedFilter) ([]*models.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []*models.Receipt
	for _, r := range s.receipts {
		if outcome, ok := s.outcomes[r.ID]; ok && !outcome.Open() {
			continue
		}
		if filter.Matches(r) {
			open = append(open, r)
		}
	}

	sort.SliceStable(open, func(i, j int) bool {
		a, b := open[i], open[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if filter.Limit > 0 && len(open) > filter.Limit {
		open = open[:filter.Limit]
	}
	return open, nil
}

// SaveDecision implements OutcomeStore. The outcome replaces any earlier one
// for the receipt; a new duplicate outcome bumps the occurrence count of the
// original receipt, and leaving a duplicate outcome gives that count back.
func (s *MemoryStore) SaveDecision(ctx context.Context, eval *matcher.Evaluation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if eval == nil || eval.Decision == nil {
		return errors.ValidationError(errors.CodeMissingField, "decision", nil, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[eval.ReceiptID]; !ok {
		return errors.StorageError(errors.CodeNotFound, "save decision", nil).
			WithContext("receipt_id", eval.ReceiptID)
	}

	outcome := NewOutcome(eval)
	previous, hadPrevious := s.outcomes[eval.ReceiptID]
	s.outcomes[eval.ReceiptID] = outcome

	wasDuplicate := hadPrevious && previous.Kind == matcher.DecisionDuplicate
	repeated := wasDuplicate && outcome.Kind == matcher.DecisionDuplicate && previous.TargetID == outcome.TargetID
	if repeated {
		return nil
	}
	if wasDuplicate {
		if original, ok := s.byID[previous.TargetID]; ok && original.OccurrenceCount > 1 {
			original.OccurrenceCount--
		}
	}
	if outcome.Kind == matcher.DecisionDuplicate {
		if original, ok := s.byID[outcome.TargetID]; ok {
			original.OccurrenceCount++
		}
	}
	return nil
}

// Outcome returns the stored outcome for a receipt
func (s *MemoryStore) Outcome(receiptID string) (Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[receiptID]
	return o, ok
}

// Outcomes returns all stored outcomes ordered by receipt ID
func (s *MemoryStore) Outcomes() []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Outcome, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiptID < out[j].ReceiptID })
	return out
}

// Receipts returns every stored receipt in insertion order
func (s *MemoryStore) Receipts() []*models.Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.Receipt(nil), s.receipts...)
}
