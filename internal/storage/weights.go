package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
)

// SaveWeights records a weight version. Saving a version twice overwrites it.
func (s *SQLiteStore) SaveWeights(ctx context.Context, v *weights.Vector) error {
	if v == nil {
		return errors.ValidationError(errors.CodeMissingField, "weights", nil, nil)
	}
	data, err := json.Marshal(v.Weights())
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "encode weights", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO weight_versions (version, weights, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET weights = excluded.weights, saved_at = excluded.saved_at`,
		int64(v.Version()), string(data), formatTime(v.UpdatedAt()),
	); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "save weights", err).WithContext("version", v.Version())
	}

	s.logger.WithField("version", v.Version()).Debug("Saved weights")
	return nil
}

// LoadLatestWeights returns the highest stored weight version. It fails
// with CodeNotFound when no version has been saved yet.
func (s *SQLiteStore) LoadLatestWeights(ctx context.Context) (*weights.Vector, error) {
	var (
		version int64
		data    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, weights FROM weight_versions ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &data)
	if err == sql.ErrNoRows {
		return nil, errors.StorageError(errors.CodeNotFound, "load weights", nil)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "load weights", err)
	}

	var stored map[weights.Factor]float64
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "decode weights", err).WithContext("version", version)
	}
	v, err := weights.Restore(stored, uint64(version))
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "restore weights", err).WithContext("version", version)
	}
	return v, nil
}

// WeightHistory lists every stored version, oldest first
func (s *SQLiteStore) WeightHistory(ctx context.Context) ([]*weights.Vector, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, weights FROM weight_versions ORDER BY version`)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list weights", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*weights.Vector
	for rows.Next() {
		var (
			version int64
			data    string
			stored  map[weights.Factor]float64
		)
		if err := rows.Scan(&version, &data); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "scan weights", err)
		}
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "decode weights", err).WithContext("version", version)
		}
		v, err := weights.Restore(stored, uint64(version))
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "restore weights", err).WithContext("version", version)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list weights", err)
	}
	return out, nil
}
