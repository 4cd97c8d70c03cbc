package parsers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// TransactionParser reads bank transactions from CSV exports
type TransactionParser struct {
	*BaseParser
	config *TransactionParserConfig
	logger logger.Logger
}

// NewTransactionParser creates a parser for the given layout; nil selects
// the standard layout
func NewTransactionParser(config *TransactionParserConfig) (*TransactionParser, error) {
	if config == nil {
		config = DefaultTransactionParserConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "transaction_parser_config", config.Name, err).
			WithSuggestion("check the transaction column layout")
	}

	log := logger.GetGlobalLogger().WithComponent("transaction_parser")
	parseConfig := DefaultParseConfig()
	parseConfig.HasHeader = config.HasHeader
	parseConfig.Delimiter = config.Delimiter

	return &TransactionParser{
		BaseParser: NewBaseParser(parseConfig, log),
		config:     config,
		logger:     log,
	}, nil
}

// Config returns the column layout of the parser
func (tp *TransactionParser) Config() *TransactionParserConfig {
	return tp.config
}

// ParseFile parses a CSV file of transactions
func (tp *TransactionParser) ParseFile(ctx context.Context, path string) ([]*models.Transaction, *ParseStats, error) {
	file, err := tp.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return tp.Parse(ctx, file, path)
}

// Parse reads every valid transaction from r. Rejected rows are recorded in
// the returned stats; the error is reserved for unreadable input and
// cancellation.
func (tp *TransactionParser) Parse(ctx context.Context, r io.Reader, source string) ([]*models.Transaction, *ParseStats, error) {
	var transactions []*models.Transaction
	stats, err := tp.Stream(ctx, r, source, 0, func(batch []*models.Transaction) error {
		transactions = append(transactions, batch...)
		return nil
	})
	return transactions, stats, err
}

// TransactionBatchFunc receives parsed transactions in batches
type TransactionBatchFunc func([]*models.Transaction) error

// Stream parses r and hands valid transactions to fn in batches of
// batchSize; zero or less delivers everything in one batch
func (tp *TransactionParser) Stream(ctx context.Context, r io.Reader, source string, batchSize int, fn TransactionBatchFunc) (*ParseStats, error) {
	start := time.Now()
	reader := tp.NewReader(r)
	pc := NewParseContext(ctx, source)
	stats := NewParseStats()

	tp.logger.WithField("source", source).Info("Starting transaction parsing")

	if err := tp.ReadHeaders(reader, pc, tp.requiredHeaders()); err != nil {
		return stats, err
	}

	var batch []*models.Transaction
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "transaction batch callback failed")
		}
		batch = nil
		return nil
	}

	for {
		record, err := tp.ReadRecord(reader, pc)
		if err == io.EOF {
			break
		}
		if errors.IsCode(err, errors.CodeCancelled) {
			stats.TotalLines = pc.LineNumber
			return stats, err
		}
		if err != nil {
			stats.AddError(rowError(pc, "record", "", err))
			continue
		}
		stats.RecordsParsed++

		tx, rowErr := tp.parseRecord(record, pc)
		if rowErr != nil {
			stats.AddError(rowErr)
			continue
		}
		batch = append(batch, tx)
		stats.RecordsValid++

		if batchSize > 0 && len(batch) >= batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	stats.TotalLines = pc.LineNumber
	tp.logger.WithFields(logger.Fields{
		"source":         source,
		"total_lines":    stats.TotalLines,
		"records_parsed": stats.RecordsParsed,
		"records_valid":  stats.RecordsValid,
		"error_count":    stats.ErrorCount,
		"duration":       time.Since(start),
	}).Info("Transaction parsing completed")
	if stats.HasErrors() {
		tp.logger.WithField("sample_errors", stats.SampleErrors(3)).Warn("Encountered errors during parsing")
	}
	return stats, nil
}

// Detect reads the header row of r and returns the matching predefined layout
func Detect(r io.Reader, delimiter rune) (*TransactionParserConfig, error) {
	reader := csv.NewReader(r)
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	headers, err := reader.Read()
	if err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, "", 1, "headers", "", err)
	}
	return AutoDetectTransactionConfig(headers), nil
}

func (tp *TransactionParser) requiredHeaders() []string {
	return []string{
		tp.config.ColumnName(FieldDescription),
		tp.config.ColumnName(FieldAmount),
		tp.config.ColumnName(FieldDate),
	}
}

func (tp *TransactionParser) parseRecord(record []string, pc *ParseContext) (*models.Transaction, *ParseError) {
	field := func(name string) string {
		return tp.FieldValue(record, pc, tp.config.ColumnName(name))
	}

	amountText := field(FieldAmount)
	amount, err := models.ParseDecimalFromString(amountText)
	if err != nil {
		return nil, rowError(pc, FieldAmount, amountText,
			errors.ParseError(errors.CodeInvalidData, pc.Source, pc.LineNumber, tp.config.ColumnName(FieldAmount), amountText, err).
				WithSuggestion("use decimal numbers like '123.45'"))
	}

	dateText := field(FieldDate)
	date, err := parseDate(dateText, tp.config.DateFormat)
	if err != nil {
		return nil, rowError(pc, FieldDate, dateText,
			errors.ParseError(errors.CodeInvalidData, pc.Source, pc.LineNumber, tp.config.ColumnName(FieldDate), dateText, err).
				WithSuggestion("use ISO dates like '2024-01-15'"))
	}

	status, err := models.ParseTransactionStatus(strings.ToLower(field(FieldStatus)))
	if err != nil {
		return nil, rowError(pc, FieldStatus, field(FieldStatus),
			errors.ParseError(errors.CodeInvalidData, pc.Source, pc.LineNumber, tp.config.ColumnName(FieldStatus), field(FieldStatus), err))
	}

	id := field(FieldID)
	if id == "" {
		id = uuid.NewString()
	}
	userID := field(FieldUserID)
	if userID == "" {
		userID = tp.config.DefaultUserID
	}

	tx := models.NewTransaction(id, userID, field(FieldDescription), amount, date)
	tx.Category = field(FieldCategory)
	tx.Status = status

	if err := tx.Validate(); err != nil {
		return nil, rowError(pc, "transaction", id, errors.ValidationError(errors.CodeInvalidData, "transaction", id, err))
	}
	return tx, nil
}

// parseDate uses layout when set and the common formats otherwise
func parseDate(s, layout string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date cannot be empty")
	}
	if layout != "" {
		return time.Parse(layout, s)
	}
	return models.ParseTimeWithFormats(s)
}
