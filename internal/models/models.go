package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date layout used for keys and serialization
const DateLayout = "2006-01-02"

// Source identifies how a receipt entered the system
type Source string

const (
	SourceUpload Source = "upload"
	SourceEmail  Source = "email"
	SourcePhoto  Source = "photo"
	SourceCSV    Source = "csv"
	SourceManual Source = "manual"
)

// IsValid checks if the source tag is one of the known ingestion sources
func (s Source) IsValid() bool {
	switch s {
	case SourceUpload, SourceEmail, SourcePhoto, SourceCSV, SourceManual:
		return true
	}
	return false
}

// ParseSource parses a source tag, defaulting to manual for empty input
func ParseSource(s string) (Source, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SourceManual, nil
	}
	source := Source(s)
	if !source.IsValid() {
		return "", fmt.Errorf("invalid receipt source '%s'", s)
	}
	return source, nil
}

// TransactionStatus is the posting status of a bank transaction
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusPosted    TransactionStatus = "posted"
	StatusUnmatched TransactionStatus = "unmatched"
)

// ParseTransactionStatus parses a status, defaulting to posted for empty input
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "posted":
		return StatusPosted, nil
	case "pending":
		return StatusPending, nil
	case "unmatched":
		return StatusUnmatched, nil
	default:
		return "", fmt.Errorf("invalid transaction status '%s'", s)
	}
}

// Record is the read-only view the matcher needs from either side of a comparison
type Record interface {
	RecordID() string
	Owner() string
	MerchantText() string
	AmountValue() (decimal.Decimal, bool)
	DateValue() (time.Time, bool)
	CategoryLabel() string
}

// LineItem is a single extracted line on a receipt
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}

// Receipt is a scanned, emailed or imported proof of purchase.
// Amount and Date may be absent when extraction failed.
type Receipt struct {
	ID                   string              `json:"id"`
	UserID               string              `json:"user_id"`
	Merchant             string              `json:"merchant"`
	Amount               decimal.NullDecimal `json:"-"`
	Date                 time.Time           `json:"-"`
	Category             string              `json:"category,omitempty"`
	ExtractionConfidence *float64            `json:"extraction_confidence,omitempty"`
	LineItems            []LineItem          `json:"line_items,omitempty"`
	Source               Source              `json:"source"`
	OccurrenceCount      int                 `json:"occurrence_count"`
	CreatedAt            time.Time           `json:"created_at"`
}

// NewReceipt creates a receipt with a known amount and date
func NewReceipt(id, userID, merchant string, amount decimal.Decimal, date time.Time) *Receipt {
	return &Receipt{
		ID:              id,
		UserID:          userID,
		Merchant:        merchant,
		Amount:          decimal.NewNullDecimal(amount),
		Date:            date,
		Source:          SourceManual,
		OccurrenceCount: 1,
	}
}

// Validate performs basic structural validation on the Receipt.
// A missing amount or date is allowed here; the matcher reports it per comparison.
func (r *Receipt) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("receipt ID cannot be empty")
	}
	if r.Source != "" && !r.Source.IsValid() {
		return fmt.Errorf("invalid receipt source: %s", r.Source)
	}
	if c := r.ExtractionConfidence; c != nil && (*c < 0 || *c > 1) {
		return fmt.Errorf("extraction confidence must be between 0 and 1, got %f", *c)
	}
	if r.OccurrenceCount < 0 {
		return fmt.Errorf("occurrence count cannot be negative")
	}
	return nil
}

func (r *Receipt) RecordID() string      { return r.ID }
func (r *Receipt) Owner() string         { return r.UserID }
func (r *Receipt) MerchantText() string  { return r.Merchant }
func (r *Receipt) CategoryLabel() string { return r.Category }

// AmountValue returns the absolute amount and whether one was extracted
func (r *Receipt) AmountValue() (decimal.Decimal, bool) {
	if !r.Amount.Valid {
		return decimal.Zero, false
	}
	return r.Amount.Decimal.Abs(), true
}

// DateValue returns the receipt date and whether one was extracted
func (r *Receipt) DateValue() (time.Time, bool) {
	return r.Date, !r.Date.IsZero()
}

// String returns a string representation of the Receipt
func (r *Receipt) String() string {
	amount := "?"
	if r.Amount.Valid {
		amount = r.Amount.Decimal.StringFixed(2)
	}
	date := "?"
	if !r.Date.IsZero() {
		date = r.Date.Format(DateLayout)
	}
	return fmt.Sprintf("Receipt{ID: %s, Merchant: %q, Amount: %s, Date: %s}", r.ID, r.Merchant, amount, date)
}

// MarshalJSON implements custom JSON marshaling for Receipt
func (r *Receipt) MarshalJSON() ([]byte, error) {
	type Alias Receipt
	aux := &struct {
		Amount *string `json:"amount"`
		Date   *string `json:"date"`
		*Alias
	}{
		Alias: (*Alias)(r),
	}
	if r.Amount.Valid {
		s := r.Amount.Decimal.StringFixed(2)
		aux.Amount = &s
	}
	if !r.Date.IsZero() {
		s := r.Date.Format(DateLayout)
		aux.Date = &s
	}
	return json.Marshal(aux)
}

// UnmarshalJSON implements custom JSON unmarshaling for Receipt
func (r *Receipt) UnmarshalJSON(data []byte) error {
	type Alias Receipt
	aux := &struct {
		Amount *string `json:"amount"`
		Date   *string `json:"date"`
		*Alias
	}{
		Alias: (*Alias)(r),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.Amount = decimal.NullDecimal{}
	if aux.Amount != nil && strings.TrimSpace(*aux.Amount) != "" {
		amount, err := ParseDecimalFromString(*aux.Amount)
		if err != nil {
			return fmt.Errorf("invalid amount format: %w", err)
		}
		r.Amount = decimal.NewNullDecimal(amount)
	}

	r.Date = time.Time{}
	if aux.Date != nil && strings.TrimSpace(*aux.Date) != "" {
		date, err := ParseTimeWithFormats(*aux.Date)
		if err != nil {
			return fmt.Errorf("invalid date format: %w", err)
		}
		r.Date = date
	}

	return nil
}

// Transaction is a bank or card transaction owned by the persistence layer
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Description string            `json:"description"`
	Amount      decimal.Decimal   `json:"-"`
	Date        time.Time         `json:"-"`
	Category    string            `json:"category,omitempty"`
	Status      TransactionStatus `json:"status"`
}

// NewTransaction creates a new posted Transaction
func NewTransaction(id, userID, description string, amount decimal.Decimal, date time.Time) *Transaction {
	return &Transaction{
		ID:          id,
		UserID:      userID,
		Description: description,
		Amount:      amount,
		Date:        date,
		Status:      StatusPosted,
	}
}

// Validate performs basic validation on the Transaction
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction amount cannot be zero")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	return nil
}

func (t *Transaction) RecordID() string      { return t.ID }
func (t *Transaction) Owner() string         { return t.UserID }
func (t *Transaction) MerchantText() string  { return t.Description }
func (t *Transaction) CategoryLabel() string { return t.Category }

// AmountValue returns the absolute amount; bank debits are often negative
func (t *Transaction) AmountValue() (decimal.Decimal, bool) {
	return t.Amount.Abs(), true
}

// DateValue returns the posting date and whether it is set
func (t *Transaction) DateValue() (time.Time, bool) {
	return t.Date, !t.Date.IsZero()
}

// String returns a string representation of the Transaction
func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{ID: %s, Description: %q, Amount: %s, Date: %s}",
		t.ID, t.Description, t.Amount.StringFixed(2), t.Date.Format(DateLayout))
}

// MarshalJSON implements custom JSON marshaling for Transaction
func (t *Transaction) MarshalJSON() ([]byte, error) {
	type Alias Transaction
	return json.Marshal(&struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		*Alias
	}{
		Amount: t.Amount.StringFixed(2),
		Date:   t.Date.Format(DateLayout),
		Alias:  (*Alias)(t),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Transaction
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type Alias Transaction
	aux := &struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		*Alias
	}{
		Alias: (*Alias)(t),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	t.Amount, err = ParseDecimalFromString(aux.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount format: %w", err)
	}

	t.Date, err = ParseTimeWithFormats(aux.Date)
	if err != nil {
		return fmt.Errorf("invalid date format: %w", err)
	}

	return nil
}

// ParseDecimalFromString parses a decimal value from string with validation
func ParseDecimalFromString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	// Remove common currency symbols and thousand separators
	for _, symbol := range []string{"$", "€", "£", "¥", ","} {
		s = strings.ReplaceAll(s, symbol, "")
	}
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}

	return d, nil
}

// ParseTimeWithFormats attempts to parse time from string using multiple common formats
func ParseTimeWithFormats(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time string cannot be empty")
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		DateLayout,
		"01/02/2006 15:04:05",
		"01/02/2006",
		"2006/01/02",
		"Jan 2, 2006",
		"January 2, 2006",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse time '%s': %w", s, lastErr)
}

// TruncateToDay returns midnight UTC of the calendar date of t
func TruncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute number of calendar days between two times
func DaysBetween(a, b time.Time) int {
	diff := TruncateToDay(a).Sub(TruncateToDay(b))
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}

// NormalizeCategory trims and lowercases a category label for comparison
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.Join(strings.Fields(category), " "))
}

// Occurrence is one observed charge for a merchant, used for pattern detection
type Occurrence struct {
	Amount decimal.Decimal `json:"amount"`
	Date   time.Time       `json:"date"`
}
