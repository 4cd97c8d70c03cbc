package parsers

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"receipt-matching-service/internal/models"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// ReceiptParser reads extracted receipts from CSV exports. Empty amount or
// date cells produce receipts with that field absent.
type ReceiptParser struct {
	*BaseParser
	config *ReceiptParserConfig
	logger logger.Logger
	now    func() time.Time
}

// NewReceiptParser creates a parser for the given layout; nil selects the default
func NewReceiptParser(config *ReceiptParserConfig) (*ReceiptParser, error) {
	if config == nil {
		config = DefaultReceiptParserConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "receipt_parser_config", config.MerchantColumn, err).
			WithSuggestion("check the receipt column layout")
	}

	log := logger.GetGlobalLogger().WithComponent("receipt_parser")
	parseConfig := DefaultParseConfig()
	parseConfig.HasHeader = config.HasHeader
	parseConfig.Delimiter = config.Delimiter

	return &ReceiptParser{
		BaseParser: NewBaseParser(parseConfig, log),
		config:     config,
		logger:     log,
		now:        time.Now,
	}, nil
}

// ParseFile parses a CSV file of receipts
func (rp *ReceiptParser) ParseFile(ctx context.Context, path string) ([]*models.Receipt, *ParseStats, error) {
	file, err := rp.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return rp.Parse(ctx, file, path)
}

// Parse reads every valid receipt from r. Receipts without a created_at
// column get consecutive creation times in file order, so earlier rows
// count as earlier receipts for duplicate detection.
func (rp *ReceiptParser) Parse(ctx context.Context, r io.Reader, source string) ([]*models.Receipt, *ParseStats, error) {
	start := time.Now()
	reader := rp.NewReader(r)
	pc := NewParseContext(ctx, source)
	stats := NewParseStats()

	if err := rp.ReadHeaders(reader, pc, []string{rp.config.ColumnName(FieldMerchant)}); err != nil {
		return nil, stats, err
	}

	created := rp.now().UTC()
	var receipts []*models.Receipt
	for {
		record, err := rp.ReadRecord(reader, pc)
		if err == io.EOF {
			break
		}
		if errors.IsCode(err, errors.CodeCancelled) {
			stats.TotalLines = pc.LineNumber
			return receipts, stats, err
		}
		if err != nil {
			stats.AddError(rowError(pc, "record", "", err))
			continue
		}
		stats.RecordsParsed++

		receipt, rowErr := rp.parseRecord(record, pc)
		if rowErr != nil {
			stats.AddError(rowErr)
			continue
		}
		if receipt.CreatedAt.IsZero() {
			receipt.CreatedAt = created.Add(time.Duration(len(receipts)) * time.Millisecond)
		}
		receipts = append(receipts, receipt)
		stats.RecordsValid++
	}

	stats.TotalLines = pc.LineNumber
	rp.logger.WithFields(logger.Fields{
		"source":        source,
		"records_valid": stats.RecordsValid,
		"error_count":   stats.ErrorCount,
		"duration":      time.Since(start),
	}).Info("Receipt parsing completed")
	if stats.HasErrors() {
		rp.logger.WithField("sample_errors", stats.SampleErrors(3)).Warn("Encountered errors during parsing")
	}
	return receipts, stats, nil
}

func (rp *ReceiptParser) parseRecord(record []string, pc *ParseContext) (*models.Receipt, *ParseError) {
	field := func(name string) string {
		return rp.FieldValue(record, pc, rp.config.ColumnName(name))
	}
	invalid := func(name, value string, err error) *ParseError {
		return rowError(pc, name, value,
			errors.ParseError(errors.CodeInvalidData, pc.Source, pc.LineNumber, rp.config.ColumnName(name), value, err))
	}

	receipt := &models.Receipt{
		ID:              field(FieldID),
		UserID:          field(FieldUserID),
		Merchant:        field(FieldMerchant),
		Category:        field(FieldCategory),
		Source:          rp.config.DefaultSource,
		OccurrenceCount: 1,
	}
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	if receipt.UserID == "" {
		receipt.UserID = rp.config.DefaultUserID
	}

	if text := field(FieldAmount); text != "" {
		amount, err := models.ParseDecimalFromString(text)
		if err != nil {
			return nil, invalid(FieldAmount, text, err)
		}
		receipt.Amount = decimal.NewNullDecimal(amount)
	}
	if text := field(FieldDate); text != "" {
		date, err := parseDate(text, rp.config.DateFormat)
		if err != nil {
			return nil, invalid(FieldDate, text, err)
		}
		receipt.Date = date
	}
	if text := field(FieldSource); text != "" {
		source, err := models.ParseSource(text)
		if err != nil {
			return nil, invalid(FieldSource, text, err)
		}
		receipt.Source = source
	}
	if receipt.Source == "" {
		receipt.Source = models.SourceCSV
	}
	if text := field(FieldConfidence); text != "" {
		confidence, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, invalid(FieldConfidence, text, err)
		}
		receipt.ExtractionConfidence = &confidence
	}
	if text := rp.FieldValue(record, pc, "created_at"); text != "" {
		created, err := models.ParseTimeWithFormats(text)
		if err != nil {
			return nil, invalid("created_at", text, err)
		}
		receipt.CreatedAt = created
	}

	if err := receipt.Validate(); err != nil {
		return nil, rowError(pc, "receipt", receipt.ID, errors.ValidationError(errors.CodeInvalidData, "receipt", receipt.ID, err))
	}
	return receipt, nil
}
