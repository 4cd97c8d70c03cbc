package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// DateRange is an inclusive range of calendar days
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls on a day inside the range
func (r DateRange) Contains(t time.Time) bool {
	day := models.TruncateToDay(t)
	return !day.Before(models.TruncateToDay(r.From)) && !day.After(models.TruncateToDay(r.To))
}

// AmountRange is an inclusive range of absolute amounts
type AmountRange struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Contains reports whether the absolute value of amount lies inside the range
func (r AmountRange) Contains(amount decimal.Decimal) bool {
	amount = amount.Abs()
	return amount.GreaterThanOrEqual(r.Min) && amount.LessThanOrEqual(r.Max)
}

// CandidateSource looks up records of one user within a search window
type CandidateSource interface {
	FindTransactions(ctx context.Context, userID string, dates DateRange, amounts AmountRange) ([]*models.Transaction, error)
	FindReceipts(ctx context.Context, userID string, dates DateRange, amounts AmountRange) ([]*models.Receipt, error)
}

// Searcher applies the configured window before any scoring happens
type Searcher struct {
	source CandidateSource
	config *MatchingConfig
	logger logger.Logger
}

// NewSearcher creates a searcher over source
func NewSearcher(source CandidateSource, config *MatchingConfig, log logger.Logger) *Searcher {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Searcher{source: source, config: config, logger: log.WithComponent("search")}
}

// Window returns the search window around a record. Records without an
// amount or date cannot be searched.
func (s *Searcher) Window(record models.Record) (DateRange, AmountRange, error) {
	amount, ok := record.AmountValue()
	if !ok {
		return DateRange{}, AmountRange{}, errors.ValidationError(errors.CodeInsufficientData, "amount", record.RecordID(), nil)
	}
	date, ok := record.DateValue()
	if !ok {
		return DateRange{}, AmountRange{}, errors.ValidationError(errors.CodeInsufficientData, "date", record.RecordID(), nil)
	}
	dates, amounts := s.config.SearchWindow(amount, date)
	return dates, amounts, nil
}

// Transactions returns the transactions inside the record's window
func (s *Searcher) Transactions(ctx context.Context, record models.Record) ([]*models.Transaction, error) {
	dates, amounts, err := s.Window(record)
	if err != nil {
		return nil, err
	}

	found, err := s.source.FindTransactions(ctx, record.Owner(), dates, amounts)
	if err != nil {
		return nil, errors.MatchingError(errors.CodeSearchFailed, "transaction search", err).
			WithContext("receipt_id", record.RecordID())
	}

	found = limit(sortByID(found), s.config.MaxCandidates)
	s.logger.WithFields(logger.Fields{
		"receipt_id": record.RecordID(),
		"found":      len(found),
	}).Debug("Searched transactions")
	return found, nil
}

// Receipts returns the other receipts inside the record's window
func (s *Searcher) Receipts(ctx context.Context, record models.Record) ([]*models.Receipt, error) {
	dates, amounts, err := s.Window(record)
	if err != nil {
		return nil, err
	}

	found, err := s.source.FindReceipts(ctx, record.Owner(), dates, amounts)
	if err != nil {
		return nil, errors.MatchingError(errors.CodeSearchFailed, "receipt search", err).
			WithContext("receipt_id", record.RecordID())
	}

	others := found[:0:0]
	for _, r := range found {
		if r != nil && r.ID != record.RecordID() {
			others = append(others, r)
		}
	}
	return limit(sortByID(others), s.config.MaxCandidates), nil
}

func sortByID[T models.Record](records []T) []T {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RecordID() < records[j].RecordID()
	})
	return records
}

func limit[T any](items []T, max int) []T {
	if max > 0 && len(items) > max {
		return items[:max]
	}
	return items
}
