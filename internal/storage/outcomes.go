package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/models"
	"receipt-matching-service/internal/reconciler"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

const outcomeColumns = `receipt_id, kind, target_id, confidence, reason, weights_version, evaluated_at, breakdown`

// ListUnmatchedReceipts implements reconciler.OutcomeStore. A receipt is
// open when it has no outcome yet or its last outcome is unmatched or review.
func (s *SQLiteStore) ListUnmatchedReceipts(ctx context.Context, filter reconciler.UnmatchedFilter) ([]*models.Receipt, error) {
	var (
		where = []string{`(o.kind IS NULL OR o.kind IN (?, ?))`}
		args  = []any{string(matcher.DecisionUnmatched), string(matcher.DecisionReview)}
	)
	if filter.UserID != "" {
		where = append(where, `r.user_id = ?`)
		args = append(args, filter.UserID)
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, `r.created_at < ?`)
		args = append(args, formatTime(filter.CreatedBefore))
	}
	if !filter.From.IsZero() {
		where = append(where, `r.day >= ?`)
		args = append(args, dayString(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, `r.day <= ?`)
		args = append(args, dayString(filter.To))
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts r
		LEFT JOIN outcomes o ON o.receipt_id = r.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY r.created_at, r.id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list unmatched receipts", err)
	}
	defer func() { _ = rows.Close() }()

	receipts, err := collectReceipts(rows)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "scan unmatched receipts", err)
	}
	return receipts, nil
}

// SaveDecision implements reconciler.OutcomeStore. The outcome replaces any
// earlier one for the receipt. A new Duplicate outcome increments the
// occurrence count of the original receipt in the same transaction, and an
// outcome that moves off a Duplicate decrements the previous original.
func (s *SQLiteStore) SaveDecision(ctx context.Context, eval *matcher.Evaluation) error {
	if eval == nil || eval.Decision == nil {
		return errors.ValidationError(errors.CodeMissingField, "decision", nil, nil)
	}
	outcome := reconciler.NewOutcome(eval)
	var breakdown sql.NullString
	if len(outcome.Breakdown) > 0 {
		data, err := json.Marshal(outcome.Breakdown)
		if err != nil {
			return errors.StorageError(errors.CodeQueryFailed, "encode breakdown", err).WithContext("receipt_id", outcome.ReceiptID)
		}
		breakdown = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "begin save decision", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts WHERE id = ?`, outcome.ReceiptID).Scan(&exists); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "save decision", err).WithContext("receipt_id", outcome.ReceiptID)
	}
	if exists == 0 {
		return errors.StorageError(errors.CodeNotFound, "save decision", nil).WithContext("receipt_id", outcome.ReceiptID)
	}

	var previousKind, previousTarget sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT kind, target_id FROM outcomes WHERE receipt_id = ?`, outcome.ReceiptID).
		Scan(&previousKind, &previousTarget)
	if err != nil && err != sql.ErrNoRows {
		return errors.StorageError(errors.CodeQueryFailed, "load previous outcome", err).WithContext("receipt_id", outcome.ReceiptID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outcomes (receipt_id, outcome_id, kind, target_id, confidence, reason, weights_version, evaluated_at, breakdown)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(receipt_id) DO UPDATE SET
			outcome_id = excluded.outcome_id,
			kind = excluded.kind,
			target_id = excluded.target_id,
			confidence = excluded.confidence,
			reason = excluded.reason,
			weights_version = excluded.weights_version,
			evaluated_at = excluded.evaluated_at,
			breakdown = excluded.breakdown`,
		outcome.ReceiptID, uuid.NewString(), string(outcome.Kind), nullString(outcome.TargetID),
		outcome.Confidence, nullString(outcome.Reason), int64(outcome.WeightsVersion), formatTime(outcome.EvaluatedAt),
		breakdown,
	); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "save decision", err).WithContext("receipt_id", outcome.ReceiptID)
	}

	wasDuplicate := previousKind.String == string(matcher.DecisionDuplicate)
	repeated := wasDuplicate && outcome.Kind == matcher.DecisionDuplicate && previousTarget.String == outcome.TargetID
	if wasDuplicate && !repeated {
		if _, err := tx.ExecContext(ctx,
			`UPDATE receipts SET occurrence_count = MAX(occurrence_count - 1, 1) WHERE id = ?`, previousTarget.String,
		); err != nil {
			return errors.StorageError(errors.CodeQueryFailed, "uncount duplicate", err).WithContext("receipt_id", previousTarget.String)
		}
	}
	if outcome.Kind == matcher.DecisionDuplicate && !repeated {
		if _, err := tx.ExecContext(ctx,
			`UPDATE receipts SET occurrence_count = occurrence_count + 1 WHERE id = ?`, outcome.TargetID,
		); err != nil {
			return errors.StorageError(errors.CodeQueryFailed, "count duplicate", err).WithContext("receipt_id", outcome.TargetID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "commit decision", err)
	}

	s.logger.WithFields(logger.Fields{
		"receipt_id": outcome.ReceiptID,
		"decision":   outcome.Kind,
		"target_id":  outcome.TargetID,
	}).Debug("Saved decision")
	return nil
}

// GetOutcome returns the stored outcome of a receipt
func (s *SQLiteStore) GetOutcome(ctx context.Context, receiptID string) (reconciler.Outcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE receipt_id = ?`, receiptID)
	o, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return reconciler.Outcome{}, errors.StorageError(errors.CodeNotFound, "get outcome", err).WithContext("receipt_id", receiptID)
	}
	if err != nil {
		return reconciler.Outcome{}, errors.StorageError(errors.CodeQueryFailed, "get outcome", err).WithContext("receipt_id", receiptID)
	}
	return o, nil
}

// ListOutcomes returns stored outcomes ordered by receipt ID, optionally
// restricted to the given kinds
func (s *SQLiteStore) ListOutcomes(ctx context.Context, kinds ...matcher.DecisionKind) ([]reconciler.Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM outcomes`
	var args []any
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, kind := range kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		query += ` WHERE kind IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY receipt_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list outcomes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []reconciler.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "scan outcome", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list outcomes", err)
	}
	return out, nil
}

func scanOutcome(row rowScanner) (reconciler.Outcome, error) {
	var (
		o           reconciler.Outcome
		kind        string
		target      sql.NullString
		reason      sql.NullString
		version     int64
		evaluatedAt string
		breakdown   sql.NullString
	)
	if err := row.Scan(&o.ReceiptID, &kind, &target, &o.Confidence, &reason, &version, &evaluatedAt, &breakdown); err != nil {
		return o, err
	}
	if breakdown.Valid && breakdown.String != "" {
		if err := json.Unmarshal([]byte(breakdown.String), &o.Breakdown); err != nil {
			return o, err
		}
	}
	o.Kind = matcher.DecisionKind(kind)
	o.TargetID = target.String
	o.Reason = reason.String
	o.WeightsVersion = uint64(version)

	evaluated, err := parseTime(evaluatedAt)
	if err != nil {
		return o, err
	}
	o.EvaluatedAt = evaluated
	return o, nil
}
