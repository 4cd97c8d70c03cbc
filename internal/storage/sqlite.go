// Package storage persists receipts, transactions, match outcomes and weight
// versions in SQLite. SQLiteStore serves as the candidate source and the
// outcome store of the reconciler.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/reconciler"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

var (
	_ matcher.CandidateSource = (*SQLiteStore)(nil)
	_ reconciler.OutcomeStore = (*SQLiteStore)(nil)
)

// SQLiteStore implements candidate search and outcome persistence on SQLite
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger logger.Logger
}

// Open opens or creates the database at path and applies the schema
func Open(ctx context.Context, path string, log logger.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "database_path", path, nil)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, errors.FileError(errors.CodeFilePermission, path, err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "open database", err).WithContext("path", path)
	}

	// A single connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.StorageError(errors.CodeQueryFailed, "ping database", err).WithContext("path", path)
	}

	store := &SQLiteStore{db: db, path: path, logger: log.WithComponent("storage")}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.logger.WithField("path", path).Debug("Opened database")
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS receipts (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				merchant TEXT NOT NULL DEFAULT '',
				amount TEXT,
				amount_cents INTEGER,
				date TEXT,
				day TEXT,
				category TEXT NOT NULL DEFAULT '',
				extraction_confidence REAL,
				line_items TEXT,
				source TEXT NOT NULL DEFAULT 'manual',
				occurrence_count INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_receipts_user_day ON receipts(user_id, day)`,
			`CREATE INDEX IF NOT EXISTS idx_receipts_user_cents ON receipts(user_id, amount_cents)`,

			`CREATE TABLE IF NOT EXISTS transactions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				amount TEXT NOT NULL,
				amount_cents INTEGER NOT NULL,
				date TEXT NOT NULL,
				day TEXT NOT NULL,
				category TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'posted',
				imported_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_user_day ON transactions(user_id, day)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_user_cents ON transactions(user_id, amount_cents)`,

			`CREATE TABLE IF NOT EXISTS outcomes (
				receipt_id TEXT PRIMARY KEY REFERENCES receipts(id),
				outcome_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				target_id TEXT,
				confidence REAL NOT NULL DEFAULT 0,
				reason TEXT,
				weights_version INTEGER NOT NULL DEFAULT 0,
				evaluated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_outcomes_kind ON outcomes(kind)`,

			`CREATE TABLE IF NOT EXISTS weight_versions (
				version INTEGER PRIMARY KEY,
				weights TEXT NOT NULL,
				saved_at TEXT NOT NULL
			)`,
		},
	},
	{
		version:     2,
		description: "review breakdown on outcomes",
		statements: []string{
			`ALTER TABLE outcomes ADD COLUMN breakdown TEXT`,
		},
	},
}

// migrate applies pending migrations tracked through PRAGMA user_version
func (s *SQLiteStore) migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "read schema version", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.StorageError(errors.CodeQueryFailed, "begin migration", err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return errors.StorageError(errors.CodeQueryFailed, "migrate schema", err).
					WithContext("version", m.version)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return errors.StorageError(errors.CodeQueryFailed, "set schema version", err)
		}
		if err := tx.Commit(); err != nil {
			return errors.StorageError(errors.CodeQueryFailed, "commit migration", err)
		}

		s.logger.WithFields(logger.Fields{
			"version":     m.version,
			"description": m.description,
		}).Info("Applied schema migration")
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// cents converts an amount to absolute integer cents for range indexes
func cents(amount decimal.Decimal) int64 {
	return amount.Abs().Mul(hundred).Round(0).IntPart()
}

// formatTime stores instants in UTC so the text sorts chronologically
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatDate keeps the original offset so the calendar day survives a round trip
func formatDate(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
