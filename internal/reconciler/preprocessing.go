package reconciler

import (
	"fmt"
	"strings"
	"time"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/errors"
)

// Preprocessor cleans imported records before they are stored or matched
type Preprocessor struct {
	config *PreprocessingConfig
	now    func() time.Time
}

// PreprocessingConfig contains configuration for data preprocessing
type PreprocessingConfig struct {
	// Dates are converted to this location; nil keeps them as parsed
	DefaultTimezone *time.Location

	// Amounts are rounded to this many decimal places; -1 disables rounding
	DecimalPlaces int32

	// String normalization options
	TrimWhitespace     bool
	CollapseWhitespace bool

	// Validation options
	RejectFutureDates bool
	MaxAgeYears       int

	// Records repeating an earlier ID in the same batch are dropped
	RemoveDuplicateIDs bool
}

// DefaultPreprocessingConfig returns a default preprocessing configuration
func DefaultPreprocessingConfig() *PreprocessingConfig {
	return &PreprocessingConfig{
		DefaultTimezone:    time.UTC,
		DecimalPlaces:      2,
		TrimWhitespace:     true,
		CollapseWhitespace: true,
		RejectFutureDates:  true,
		MaxAgeYears:        20,
		RemoveDuplicateIDs: true,
	}
}

// PreprocessingStats contains statistics about one preprocessing run
type PreprocessingStats struct {
	TotalRecords      int           `json:"total_records"`
	RecordsKept       int           `json:"records_kept"`
	RecordsRemoved    int           `json:"records_removed"`
	ValidationErrors  int           `json:"validation_errors"`
	IncompleteRecords int           `json:"incomplete_records"`
	ProcessingTime    time.Duration `json:"processing_time"`
}

// NewPreprocessor creates a new preprocessor
func NewPreprocessor(config *PreprocessingConfig) *Preprocessor {
	if config == nil {
		config = DefaultPreprocessingConfig()
	}
	return &Preprocessor{config: config, now: time.Now}
}

// PreprocessReceipts normalizes receipts and drops invalid ones. Receipts
// missing an amount or date are kept, since the matcher resolves them to
// Unmatched. The returned error is an *errors.ErrorSummary of the dropped
// records, or nil.
func (p *Preprocessor) PreprocessReceipts(receipts []*models.Receipt) ([]*models.Receipt, *PreprocessingStats, error) {
	start := time.Now()
	stats := &PreprocessingStats{TotalRecords: len(receipts)}
	seen := make(map[string]bool)
	var kept []*models.Receipt
	var failures []*errors.MatchError

	for _, r := range receipts {
		if r == nil {
			stats.RecordsRemoved++
			continue
		}

		processed := *r
		processed.ID = p.normalizeString(r.ID)
		processed.UserID = p.normalizeString(r.UserID)
		processed.Merchant = p.normalizeString(r.Merchant)
		processed.Category = p.normalizeString(r.Category)
		if amount, ok := r.AmountValue(); ok && p.config.DecimalPlaces >= 0 {
			processed.Amount.Decimal = amount.Round(p.config.DecimalPlaces)
		}
		if date, ok := r.DateValue(); ok {
			processed.Date = p.normalizeDateTime(date)
		}
		if !r.CreatedAt.IsZero() {
			processed.CreatedAt = p.normalizeDateTime(r.CreatedAt)
		}
		if processed.OccurrenceCount == 0 {
			processed.OccurrenceCount = 1
		}

		if err := p.validateReceipt(&processed); err != nil {
			stats.ValidationErrors++
			stats.RecordsRemoved++
			failures = append(failures, err)
			continue
		}
		if p.config.RemoveDuplicateIDs && seen[processed.ID] {
			stats.RecordsRemoved++
			continue
		}
		seen[processed.ID] = true

		_, hasAmount := processed.AmountValue()
		_, hasDate := processed.DateValue()
		if !hasAmount || !hasDate {
			stats.IncompleteRecords++
		}
		kept = append(kept, &processed)
	}

	stats.RecordsKept = len(kept)
	stats.ProcessingTime = time.Since(start)
	return kept, stats, summarize(failures)
}

// PreprocessTransactions normalizes transactions and drops invalid ones
func (p *Preprocessor) PreprocessTransactions(transactions []*models.Transaction) ([]*models.Transaction, *PreprocessingStats, error) {
	start := time.Now()
	stats := &PreprocessingStats{TotalRecords: len(transactions)}
	seen := make(map[string]bool)
	var kept []*models.Transaction
	var failures []*errors.MatchError

	for _, tx := range transactions {
		if tx == nil {
			stats.RecordsRemoved++
			continue
		}

		processed := *tx
		processed.ID = p.normalizeString(tx.ID)
		processed.UserID = p.normalizeString(tx.UserID)
		processed.Description = p.normalizeString(tx.Description)
		processed.Category = p.normalizeString(tx.Category)
		if p.config.DecimalPlaces >= 0 {
			processed.Amount = tx.Amount.Round(p.config.DecimalPlaces)
		}
		processed.Date = p.normalizeDateTime(tx.Date)
		if processed.Status == "" {
			processed.Status = models.StatusPosted
		}

		if err := p.validateTransaction(&processed); err != nil {
			stats.ValidationErrors++
			stats.RecordsRemoved++
			failures = append(failures, err)
			continue
		}
		if p.config.RemoveDuplicateIDs && seen[processed.ID] {
			stats.RecordsRemoved++
			continue
		}
		seen[processed.ID] = true
		kept = append(kept, &processed)
	}

	stats.RecordsKept = len(kept)
	stats.ProcessingTime = time.Since(start)
	return kept, stats, summarize(failures)
}

// normalizeString applies string normalization rules
func (p *Preprocessor) normalizeString(s string) string {
	if p.config.CollapseWhitespace {
		return strings.Join(strings.Fields(s), " ")
	}
	if p.config.TrimWhitespace {
		return strings.TrimSpace(s)
	}
	return s
}

// normalizeDateTime applies date/time normalization rules
func (p *Preprocessor) normalizeDateTime(t time.Time) time.Time {
	if t.IsZero() || p.config.DefaultTimezone == nil {
		return t
	}
	return t.In(p.config.DefaultTimezone)
}

func (p *Preprocessor) validateReceipt(r *models.Receipt) *errors.MatchError {
	if err := r.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "receipt", r.ID, err)
	}
	if date, ok := r.DateValue(); ok {
		if err := p.validateDate(date); err != nil {
			return errors.ValidationError(errors.CodeInvalidDate, "date", r.ID, err)
		}
	}
	return nil
}

func (p *Preprocessor) validateTransaction(tx *models.Transaction) *errors.MatchError {
	if err := tx.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "transaction", tx.ID, err)
	}
	if err := p.validateDate(tx.Date); err != nil {
		return errors.ValidationError(errors.CodeInvalidDate, "date", tx.ID, err)
	}
	return nil
}

func (p *Preprocessor) validateDate(t time.Time) error {
	now := p.now()
	if p.config.RejectFutureDates && t.After(now.Add(24*time.Hour)) {
		return fmt.Errorf("date is in the future: %s", t.Format(models.DateLayout))
	}
	if p.config.MaxAgeYears > 0 && t.Before(now.AddDate(-p.config.MaxAgeYears, 0, 0)) {
		return fmt.Errorf("date is too far in the past: %s", t.Format(models.DateLayout))
	}
	return nil
}

func summarize(failures []*errors.MatchError) error {
	if len(failures) == 0 {
		return nil
	}
	return errors.NewErrorSummary(failures)
}
