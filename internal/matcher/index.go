package matcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/models"
)

// Index provides efficient in-memory lookups of records by owner, amount and date
type Index[T models.Record] struct {
	mu sync.RWMutex

	// byOwner holds the sorted amount index per user
	byOwner map[string][]*amountEntry[T]

	// dateIndex maps owner and date (YYYY-MM-DD) to records
	dateIndex map[string][]T

	// all holds every indexed record, including those without an amount
	all []T
}

// amountEntry groups records sharing one absolute amount
type amountEntry[T models.Record] struct {
	Amount  decimal.Decimal
	Records []T
}

// IndexStats provides statistics about index usage and efficiency
type IndexStats struct {
	TotalRecords  int `json:"total_records"`
	Owners        int `json:"owners"`
	UniqueAmounts int `json:"unique_amounts"`
	UniqueDates   int `json:"unique_dates"`
}

// NewIndex creates an index from a slice of records
func NewIndex[T models.Record](records []T) *Index[T] {
	index := &Index[T]{
		byOwner:   make(map[string][]*amountEntry[T]),
		dateIndex: make(map[string][]T),
	}
	for _, record := range records {
		index.add(record)
	}
	return index
}

// Add inserts a record into the index
func (ix *Index[T]) Add(record T) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.add(record)
}

func (ix *Index[T]) add(record T) {
	ix.all = append(ix.all, record)

	if date, ok := record.DateValue(); ok {
		key := dateKey(record.Owner(), date)
		ix.dateIndex[key] = append(ix.dateIndex[key], record)
	}

	amount, ok := record.AmountValue()
	if !ok {
		return
	}

	// Binary search keeps the owner's amount index sorted on insert
	entries := ix.byOwner[record.Owner()]
	pos := sort.Search(len(entries), func(i int) bool {
		return entries[i].Amount.GreaterThanOrEqual(amount)
	})
	if pos < len(entries) && entries[pos].Amount.Equal(amount) {
		entries[pos].Records = append(entries[pos].Records, record)
		return
	}

	entries = append(entries, nil)
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = &amountEntry[T]{Amount: amount, Records: []T{record}}
	ix.byOwner[record.Owner()] = entries
}

// GetByAmountRange returns the owner's records within the amount range (inclusive)
func (ix *Index[T]) GetByAmountRange(owner string, amounts AmountRange) []T {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entries := ix.byOwner[owner]
	start := sort.Search(len(entries), func(i int) bool {
		return entries[i].Amount.GreaterThanOrEqual(amounts.Min)
	})

	var result []T
	for i := start; i < len(entries); i++ {
		if entries[i].Amount.GreaterThan(amounts.Max) {
			break
		}
		result = append(result, entries[i].Records...)
	}
	return result
}

// GetByDateRange returns the owner's records within the date range (inclusive)
func (ix *Index[T]) GetByDateRange(owner string, dates DateRange) []T {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var result []T
	end := models.TruncateToDay(dates.To)
	for current := models.TruncateToDay(dates.From); !current.After(end); current = current.AddDate(0, 0, 1) {
		result = append(result, ix.dateIndex[dateKey(owner, current)]...)
	}
	return result
}

// Find returns the owner's records inside both ranges, ordered by ID
func (ix *Index[T]) Find(owner string, dates DateRange, amounts AmountRange) []T {
	var result []T
	for _, record := range ix.GetByAmountRange(owner, amounts) {
		if date, ok := record.DateValue(); ok && dates.Contains(date) {
			result = append(result, record)
		}
	}
	return sortByID(result)
}

// All returns every indexed record
func (ix *Index[T]) All() []T {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]T(nil), ix.all...)
}

// Stats returns statistics about the index
func (ix *Index[T]) Stats() IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	stats := IndexStats{
		TotalRecords: len(ix.all),
		Owners:       len(ix.byOwner),
		UniqueDates:  len(ix.dateIndex),
	}
	for _, entries := range ix.byOwner {
		stats.UniqueAmounts += len(entries)
	}
	return stats
}

func dateKey(owner string, date time.Time) string {
	return owner + "|" + date.Format(models.DateLayout)
}

// MemorySource is a CandidateSource backed by in-memory indexes, used for
// file-based matching and tests
type MemorySource struct {
	Transactions *Index[*models.Transaction]
	Receipts     *Index[*models.Receipt]
}

// NewMemorySource indexes the given records
func NewMemorySource(transactions []*models.Transaction, receipts []*models.Receipt) *MemorySource {
	return &MemorySource{
		Transactions: NewIndex(transactions),
		Receipts:     NewIndex(receipts),
	}
}

// FindTransactions implements CandidateSource
func (m *MemorySource) FindTransactions(ctx context.Context, userID string, dates DateRange, amounts AmountRange) ([]*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Transactions.Find(userID, dates, amounts), nil
}

// FindReceipts implements CandidateSource
func (m *MemorySource) FindReceipts(ctx context.Context, userID string, dates DateRange, amounts AmountRange) ([]*models.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Receipts.Find(userID, dates, amounts), nil
}
