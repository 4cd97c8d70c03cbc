// Package parsers loads receipts and bank transactions from CSV exports and
// OFX/QFX statements.
//
// CSV layouts are described by TransactionParserConfig and
// ReceiptParserConfig; common bank layouts are predefined and can be
// detected from the header row. Malformed rows are recorded in ParseStats
// and skipped, so one bad line never aborts an import.
//
// Example usage:
//
//	parser, err := parsers.NewTransactionParser(parsers.GetTransactionConfig("bank1"))
//	transactions, stats, err := parser.ParseFile(ctx, "statement.csv")
//
//	ofx := parsers.NewOFXParser("user-1")
//	transactions, err := ofx.ParseFile(ctx, "statement.qfx")
package parsers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

// ParseError describes one rejected row
type ParseError struct {
	Line    int
	Field   string
	Value   string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error at line %d (%s='%s'): %s: %v", e.Line, e.Field, e.Value, e.Message, e.Err)
	}
	return fmt.Sprintf("parse error at line %d (%s='%s'): %s", e.Line, e.Field, e.Value, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseConfig holds configuration for CSV parsing
type ParseConfig struct {
	HasHeader        bool
	Delimiter        rune
	Comment          rune
	TrimLeadingSpace bool
	SkipEmptyRows    bool
	MaxFieldSize     int
	ValidateEncoding bool
}

// DefaultParseConfig returns a configuration with sensible defaults
func DefaultParseConfig() *ParseConfig {
	return &ParseConfig{
		HasHeader:        true,
		Delimiter:        ',',
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
		MaxFieldSize:     64 * 1024,
		ValidateEncoding: true,
	}
}

// BaseParser provides common CSV parsing functionality
type BaseParser struct {
	config *ParseConfig
	logger logger.Logger
}

// NewBaseParser creates a new BaseParser with the given configuration
func NewBaseParser(config *ParseConfig, log logger.Logger) *BaseParser {
	if config == nil {
		config = DefaultParseConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &BaseParser{config: config, logger: log}
}

// ParseContext holds state during one parse
type ParseContext struct {
	Source     string
	LineNumber int
	Headers    []string
	HeaderMap  map[string]int
	ctx        context.Context
}

// NewParseContext creates a new parsing context for the named input
func NewParseContext(ctx context.Context, source string) *ParseContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ParseContext{
		Source:    source,
		HeaderMap: make(map[string]int),
		ctx:       ctx,
	}
}

// IsCancelled checks if the parsing context has been cancelled
func (pc *ParseContext) IsCancelled() bool {
	return pc.ctx.Err() != nil
}

// ColumnIndex returns the index of a column by name, or -1 if not found
func (pc *ParseContext) ColumnIndex(name string) int {
	if name == "" {
		return -1
	}
	if index, ok := pc.HeaderMap[name]; ok {
		return index
	}
	for header, index := range pc.HeaderMap {
		if strings.EqualFold(header, name) {
			return index
		}
	}
	return -1
}

// OpenFile opens path, mapping OS failures to file errors
func (bp *BaseParser) OpenFile(path string) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		bp.logger.WithError(err).WithField("file_path", path).Error("Failed to open input file")
		if os.IsPermission(err) {
			return nil, errors.FileError(errors.CodeFilePermission, path, err)
		}
		return nil, errors.FileError(errors.CodeFileNotFound, path, err)
	}
	return file, nil
}

// NewReader wraps r in a csv.Reader configured for this parser
func (bp *BaseParser) NewReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = bp.config.Delimiter
	reader.Comment = bp.config.Comment
	reader.TrimLeadingSpace = bp.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false
	return reader
}

// ReadHeaders reads the header row and checks the required columns
func (bp *BaseParser) ReadHeaders(reader *csv.Reader, pc *ParseContext, required []string) error {
	if !bp.config.HasHeader {
		pc.Headers = append([]string(nil), required...)
		bp.buildHeaderMap(pc)
		return nil
	}

	headers, err := reader.Read()
	if err == io.EOF {
		return errors.ValidationError(errors.CodeMissingField, "file_content", "empty", nil).
			WithSuggestion("ensure the file contains a header row and data rows")
	}
	if err != nil {
		return errors.ParseError(errors.CodeInvalidFormat, pc.Source, 1, "headers", "", err)
	}

	pc.LineNumber++
	pc.Headers = make([]string, len(headers))
	for i, header := range headers {
		pc.Headers[i] = strings.TrimSpace(strings.TrimPrefix(header, "\ufeff"))
	}
	bp.buildHeaderMap(pc)

	var missing []string
	for _, header := range required {
		if pc.ColumnIndex(header) == -1 {
			missing = append(missing, header)
		}
	}
	if len(missing) > 0 {
		bp.logger.WithFields(logger.Fields{
			"missing_headers":   missing,
			"available_headers": pc.Headers,
		}).Error("Required headers are missing")
		return errors.ParseError(errors.CodeMissingColumn, pc.Source, pc.LineNumber, strings.Join(missing, ", "), "", nil).
			WithSuggestion(fmt.Sprintf("ensure the file contains these headers: %s", strings.Join(missing, ", ")))
	}
	return nil
}

func (bp *BaseParser) buildHeaderMap(pc *ParseContext) {
	pc.HeaderMap = make(map[string]int, len(pc.Headers))
	for i, header := range pc.Headers {
		pc.HeaderMap[header] = i
	}
}

// ReadRecord returns the next non-empty record, io.EOF at the end, or a
// row-level error that the caller records and skips
func (bp *BaseParser) ReadRecord(reader *csv.Reader, pc *ParseContext) ([]string, error) {
	for {
		if pc.IsCancelled() {
			return nil, errors.MatchingError(errors.CodeCancelled, "parse "+pc.Source, pc.ctx.Err())
		}

		record, err := reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		pc.LineNumber++
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidFormat, pc.Source, pc.LineNumber, "record", "", err)
		}

		if bp.config.SkipEmptyRows && isEmptyRecord(record) {
			continue
		}

		for i, field := range record {
			if bp.config.MaxFieldSize > 0 && len(field) > bp.config.MaxFieldSize {
				return nil, errors.ParseError(errors.CodeInvalidData, pc.Source, pc.LineNumber, bp.columnLabel(pc, i), truncate(field), nil).
					WithSuggestion(fmt.Sprintf("reduce field size to under %d bytes", bp.config.MaxFieldSize))
			}
			if bp.config.ValidateEncoding && !utf8.ValidString(field) {
				return nil, errors.ParseError(errors.CodeInvalidFormat, pc.Source, pc.LineNumber, bp.columnLabel(pc, i), "", fmt.Errorf("invalid UTF-8 encoding")).
					WithSuggestion("save the file in UTF-8 encoding and try again")
			}
		}
		return record, nil
	}
}

func (bp *BaseParser) columnLabel(pc *ParseContext, index int) string {
	if index < len(pc.Headers) {
		return pc.Headers[index]
	}
	return fmt.Sprintf("field_%d", index)
}

// FieldValue returns the trimmed value of a column. Columns missing from
// the header, or cut short in the row, read as empty.
func (bp *BaseParser) FieldValue(record []string, pc *ParseContext, column string) string {
	index := pc.ColumnIndex(column)
	if index == -1 || index >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[index])
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	if len(s) <= 50 {
		return s
	}
	return s[:50] + "..."
}

// ParseStats holds statistics about a parsing operation
type ParseStats struct {
	TotalLines    int           `json:"total_lines"`
	RecordsParsed int           `json:"records_parsed"`
	RecordsValid  int           `json:"records_valid"`
	ErrorCount    int           `json:"error_count"`
	Errors        []*ParseError `json:"-"`
}

// NewParseStats creates a new ParseStats instance
func NewParseStats() *ParseStats {
	return &ParseStats{}
}

// AddError records a rejected row
func (ps *ParseStats) AddError(err *ParseError) {
	ps.Errors = append(ps.Errors, err)
	ps.ErrorCount++
}

// HasErrors returns true if there were any parsing errors
func (ps *ParseStats) HasErrors() bool {
	return ps.ErrorCount > 0
}

// Merge adds the counts and errors of other into ps
func (ps *ParseStats) Merge(other *ParseStats) {
	if other == nil {
		return
	}
	ps.TotalLines += other.TotalLines
	ps.RecordsParsed += other.RecordsParsed
	ps.RecordsValid += other.RecordsValid
	ps.ErrorCount += other.ErrorCount
	ps.Errors = append(ps.Errors, other.Errors...)
}

// String returns a human-readable summary of parsing statistics
func (ps *ParseStats) String() string {
	return fmt.Sprintf("Parsed %d lines, %d records (%d valid), %d errors",
		ps.TotalLines, ps.RecordsParsed, ps.RecordsValid, ps.ErrorCount)
}

// SampleErrors returns up to maxSamples error messages for logging
func (ps *ParseStats) SampleErrors(maxSamples int) []string {
	limit := len(ps.Errors)
	if maxSamples > 0 && maxSamples < limit {
		limit = maxSamples
	}
	samples := make([]string, 0, limit)
	for _, err := range ps.Errors[:limit] {
		samples = append(samples, err.Error())
	}
	return samples
}

// rowError converts a row failure into a ParseError for the stats
func rowError(pc *ParseContext, field, value string, err error) *ParseError {
	message := "invalid row"
	if matchErr, ok := errors.AsMatchError(err); ok {
		message = matchErr.Message
	}
	return &ParseError{Line: pc.LineNumber, Field: field, Value: value, Message: message, Err: err}
}
