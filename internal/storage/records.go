package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

const receiptColumns = `r.id, r.user_id, r.merchant, r.amount, r.date, r.category,
	r.extraction_confidence, r.line_items, r.source, r.occurrence_count, r.created_at`

const transactionColumns = `id, user_id, description, amount, date, category, status`

// SaveReceipts inserts or updates receipts in one transaction. Receipts
// without an ID get a generated one, and a missing CreatedAt is set to now.
func (s *SQLiteStore) SaveReceipts(ctx context.Context, receipts []*models.Receipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "begin save receipts", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO receipts (
			id, user_id, merchant, amount, amount_cents, date, day, category,
			extraction_confidence, line_items, source, occurrence_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			merchant = excluded.merchant,
			amount = excluded.amount,
			amount_cents = excluded.amount_cents,
			date = excluded.date,
			day = excluded.day,
			category = excluded.category,
			extraction_confidence = excluded.extraction_confidence,
			line_items = excluded.line_items`)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "prepare save receipts", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, r := range receipts {
		if r == nil {
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.Source == "" {
			r.Source = models.SourceManual
		}
		if r.OccurrenceCount == 0 {
			r.OccurrenceCount = 1
		}

		var amount sql.NullString
		var amountCents sql.NullInt64
		if value, ok := r.AmountValue(); ok {
			amount = nullString(value.String())
			amountCents = sql.NullInt64{Int64: cents(value), Valid: true}
		}
		var date, day sql.NullString
		if value, ok := r.DateValue(); ok {
			date = nullString(formatDate(value))
			day = nullString(models.TruncateToDay(value).Format(models.DateLayout))
		}
		var confidence sql.NullFloat64
		if r.ExtractionConfidence != nil {
			confidence = sql.NullFloat64{Float64: *r.ExtractionConfidence, Valid: true}
		}
		var lineItems sql.NullString
		if len(r.LineItems) > 0 {
			data, err := json.Marshal(r.LineItems)
			if err != nil {
				return errors.StorageError(errors.CodeQueryFailed, "encode line items", err).WithContext("receipt_id", r.ID)
			}
			lineItems = nullString(string(data))
		}

		if _, err := stmt.ExecContext(ctx,
			r.ID, r.UserID, r.Merchant, amount, amountCents, date, day, r.Category,
			confidence, lineItems, string(r.Source), r.OccurrenceCount, formatTime(r.CreatedAt),
		); err != nil {
			return errors.StorageError(errors.CodeQueryFailed, "save receipt", err).WithContext("receipt_id", r.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "commit receipts", err)
	}
	s.logger.WithField("count", len(receipts)).Debug("Saved receipts")
	return nil
}

// SaveTransactions inserts or updates transactions in one transaction.
// Transactions without an ID get a generated one.
func (s *SQLiteStore) SaveTransactions(ctx context.Context, transactions []*models.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "begin save transactions", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (
			id, user_id, description, amount, amount_cents, date, day, category, status, imported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			amount = excluded.amount,
			amount_cents = excluded.amount_cents,
			date = excluded.date,
			day = excluded.day,
			category = excluded.category,
			status = excluded.status`)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "prepare save transactions", err)
	}
	defer func() { _ = stmt.Close() }()

	now := formatTime(time.Now())
	for _, t := range transactions {
		if t == nil {
			continue
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Status == "" {
			t.Status = models.StatusPosted
		}
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.UserID, t.Description, t.Amount.String(), cents(t.Amount),
			formatDate(t.Date), models.TruncateToDay(t.Date).Format(models.DateLayout),
			t.Category, string(t.Status), now,
		); err != nil {
			return errors.StorageError(errors.CodeQueryFailed, "save transaction", err).WithContext("transaction_id", t.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "commit transactions", err)
	}
	s.logger.WithField("count", len(transactions)).Debug("Saved transactions")
	return nil
}

// GetReceipt loads one receipt
func (s *SQLiteStore) GetReceipt(ctx context.Context, id string) (*models.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts r WHERE r.id = ?`, id)
	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, errors.StorageError(errors.CodeNotFound, "get receipt", err).WithContext("receipt_id", id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get receipt", err).WithContext("receipt_id", id)
	}
	return r, nil
}

// GetTransaction loads one transaction
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, errors.StorageError(errors.CodeNotFound, "get transaction", err).WithContext("transaction_id", id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get transaction", err).WithContext("transaction_id", id)
	}
	return t, nil
}

// ListTransactions returns every transaction, optionally for one user,
// ordered by date. It feeds the merchant profile registry at startup.
func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY date, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list transactions", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTransactions(rows)
}

// FindTransactions implements matcher.CandidateSource
func (s *SQLiteStore) FindTransactions(ctx context.Context, userID string, dates matcher.DateRange, amounts matcher.AmountRange) ([]*models.Transaction, error) {
	minCents, maxCents := centsRange(amounts)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? AND day BETWEEN ? AND ? AND amount_cents BETWEEN ? AND ?
		ORDER BY id`,
		userID, dayString(dates.From), dayString(dates.To), minCents, maxCents)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	found, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, t := range found {
		if amounts.Contains(t.Amount) {
			out = append(out, t)
		}
	}
	return out, nil
}

// FindReceipts implements matcher.CandidateSource. Receipts without an
// amount or date are never returned.
func (s *SQLiteStore) FindReceipts(ctx context.Context, userID string, dates matcher.DateRange, amounts matcher.AmountRange) ([]*models.Receipt, error) {
	minCents, maxCents := centsRange(amounts)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts r
		WHERE r.user_id = ? AND r.day BETWEEN ? AND ? AND r.amount_cents BETWEEN ? AND ?
		ORDER BY r.id`,
		userID, dayString(dates.From), dayString(dates.To), minCents, maxCents)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	found, err := collectReceipts(rows)
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, r := range found {
		if amount, ok := r.AmountValue(); ok && amounts.Contains(amount) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Counts reports the number of stored rows per table
func (s *SQLiteStore) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, table := range []string{"receipts", "transactions", "outcomes", "weight_versions"} {
		var n int
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "count "+table, err)
		}
		counts[table] = n
	}
	s.logger.WithFields(logger.Fields{
		"receipts":     counts["receipts"],
		"transactions": counts["transactions"],
	}).Debug("Counted rows")
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*models.Receipt, error) {
	var (
		r          models.Receipt
		amount     sql.NullString
		date       sql.NullString
		confidence sql.NullFloat64
		lineItems  sql.NullString
		source     string
		createdAt  string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Merchant, &amount, &date, &r.Category,
		&confidence, &lineItems, &source, &r.OccurrenceCount, &createdAt); err != nil {
		return nil, err
	}

	if amount.Valid {
		value, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: invalid stored amount %q: %w", r.ID, amount.String, err)
		}
		r.Amount = decimal.NewNullDecimal(value)
	}
	if date.Valid {
		value, err := parseTime(date.String)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: invalid stored date: %w", r.ID, err)
		}
		r.Date = value
	}
	if confidence.Valid {
		value := confidence.Float64
		r.ExtractionConfidence = &value
	}
	if lineItems.Valid {
		if err := json.Unmarshal([]byte(lineItems.String), &r.LineItems); err != nil {
			return nil, fmt.Errorf("receipt %s: invalid stored line items: %w", r.ID, err)
		}
	}
	r.Source = models.Source(source)
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: invalid created_at: %w", r.ID, err)
	}
	r.CreatedAt = created
	return &r, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t      models.Transaction
		amount string
		date   string
		status string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Description, &amount, &date, &t.Category, &status); err != nil {
		return nil, err
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: invalid stored amount %q: %w", t.ID, amount, err)
	}
	t.Amount = value
	if t.Date, err = parseTime(date); err != nil {
		return nil, fmt.Errorf("transaction %s: invalid stored date: %w", t.ID, err)
	}
	t.Status = models.TransactionStatus(status)
	return &t, nil
}

func collectReceipts(rows *sql.Rows) ([]*models.Receipt, error) {
	var out []*models.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// centsRange widens an amount range to whole cents for the index lookup;
// callers filter the rows again with the exact range.
func centsRange(amounts matcher.AmountRange) (int64, int64) {
	return amounts.Min.Mul(hundred).Floor().IntPart(), amounts.Max.Mul(hundred).Ceil().IntPart()
}

func dayString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return models.TruncateToDay(t).Format(models.DateLayout)
}
