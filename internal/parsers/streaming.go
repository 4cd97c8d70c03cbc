package parsers

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// ConcurrentParser loads several input files at once with bounded concurrency
type ConcurrentParser struct {
	config *StreamingConfig
	logger logger.Logger
}

// NewConcurrentParser creates a loader; nil selects the default configuration
func NewConcurrentParser(config *StreamingConfig) (*ConcurrentParser, error) {
	if config == nil {
		config = DefaultStreamingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "streaming_config", config, err)
	}
	return &ConcurrentParser{
		config: config,
		logger: logger.GetGlobalLogger().WithComponent("concurrent_parser"),
	}, nil
}

// IsOFX reports whether path names an OFX or QFX statement
func IsOFX(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ofx", ".qfx":
		return true
	}
	return false
}

type fileResult[T any] struct {
	records []T
	stats   *ParseStats
	err     error
}

// ParseTransactionFiles parses CSV and OFX files. Results keep the order of
// paths. OFX transactions are assigned to the parser's default user.
func (cp *ConcurrentParser) ParseTransactionFiles(ctx context.Context, paths []string, parser *TransactionParser) ([]*models.Transaction, *ParseStats, error) {
	ofx := NewOFXParser(parser.Config().DefaultUserID)
	return parseFiles(ctx, cp, paths, func(ctx context.Context, path string) ([]*models.Transaction, *ParseStats, error) {
		if IsOFX(path) {
			txs, err := ofx.ParseFile(ctx, path)
			stats := NewParseStats()
			stats.RecordsParsed = len(txs)
			stats.RecordsValid = len(txs)
			return txs, stats, err
		}
		return parser.ParseFile(ctx, path)
	})
}

// ParseReceiptFiles parses receipt CSV files. Results keep the order of paths.
func (cp *ConcurrentParser) ParseReceiptFiles(ctx context.Context, paths []string, parser *ReceiptParser) ([]*models.Receipt, *ParseStats, error) {
	return parseFiles(ctx, cp, paths, parser.ParseFile)
}

func parseFiles[T any](
	ctx context.Context,
	cp *ConcurrentParser,
	paths []string,
	parse func(context.Context, string) ([]T, *ParseStats, error),
) ([]T, *ParseStats, error) {
	results := make([]fileResult[T], len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cp.config.MaxConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			records, stats, err := parse(gctx, path)
			results[i] = fileResult[T]{records: records, stats: stats, err: err}
			if err != nil && !cp.config.ContinueOnError {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		all      []T
		total    = NewParseStats()
		failures []*errors.MatchError
	)
	for i, result := range results {
		if result.err != nil {
			cp.logger.WithError(result.err).WithField("file_path", paths[i]).Warn("Skipping unreadable file")
			failures = append(failures, errors.WrapIfNeeded(result.err, errors.CategoryFile, errors.CodeInvalidFormat, "failed to parse "+paths[i]))
			continue
		}
		all = append(all, result.records...)
		total.Merge(result.stats)
	}

	if cp.config.MaxErrors > 0 && total.ErrorCount > cp.config.MaxErrors {
		return all, total, errors.ValidationError(errors.CodeInvalidData, "rejected_rows", total.ErrorCount, nil).
			WithSuggestion("too many rows were rejected; check the column layout")
	}
	if len(failures) > 0 {
		return all, total, errors.NewErrorSummary(failures)
	}
	return all, total, nil
}
