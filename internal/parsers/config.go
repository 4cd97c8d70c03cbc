package parsers

import (
	"fmt"
	"strings"

	"receipt-matching-service/internal/models"
)

// Standard column names used by ColumnName lookups
const (
	FieldID          = "id"
	FieldUserID      = "user_id"
	FieldDescription = "description"
	FieldMerchant    = "merchant"
	FieldAmount      = "amount"
	FieldDate        = "date"
	FieldCategory    = "category"
	FieldStatus      = "status"
	FieldSource      = "source"
	FieldConfidence  = "extraction_confidence"
)

// TransactionParserConfig describes the column layout of a bank export
type TransactionParserConfig struct {
	Name              string            `json:"name" mapstructure:"name"`
	IDColumn          string            `json:"id_column" mapstructure:"id_column"`
	UserIDColumn      string            `json:"user_id_column" mapstructure:"user_id_column"`
	DescriptionColumn string            `json:"description_column" mapstructure:"description_column"`
	AmountColumn      string            `json:"amount_column" mapstructure:"amount_column"`
	DateColumn        string            `json:"date_column" mapstructure:"date_column"`
	CategoryColumn    string            `json:"category_column" mapstructure:"category_column"`
	StatusColumn      string            `json:"status_column" mapstructure:"status_column"`
	DateFormat        string            `json:"date_format" mapstructure:"date_format"`
	HasHeader         bool              `json:"has_header" mapstructure:"has_header"`
	Delimiter         rune              `json:"delimiter" mapstructure:"delimiter"`
	DefaultUserID     string            `json:"default_user_id" mapstructure:"default_user_id"`
	ColumnAliases     map[string]string `json:"column_aliases,omitempty" mapstructure:"column_aliases"`
	Description       string            `json:"description,omitempty" mapstructure:"description"`
}

// Validate checks if the transaction parser configuration is valid
func (c *TransactionParserConfig) Validate() error {
	if strings.TrimSpace(c.AmountColumn) == "" {
		return fmt.Errorf("amount column cannot be empty")
	}
	if strings.TrimSpace(c.DateColumn) == "" {
		return fmt.Errorf("date column cannot be empty")
	}
	if strings.TrimSpace(c.DescriptionColumn) == "" {
		return fmt.Errorf("description column cannot be empty")
	}
	if c.Delimiter == 0 {
		return fmt.Errorf("delimiter cannot be empty")
	}
	return nil
}

// ColumnName returns the actual column name, checking aliases first
func (c *TransactionParserConfig) ColumnName(field string) string {
	if alias, ok := c.ColumnAliases[field]; ok {
		return alias
	}
	switch field {
	case FieldID:
		return c.IDColumn
	case FieldUserID:
		return c.UserIDColumn
	case FieldDescription:
		return c.DescriptionColumn
	case FieldAmount:
		return c.AmountColumn
	case FieldDate:
		return c.DateColumn
	case FieldCategory:
		return c.CategoryColumn
	case FieldStatus:
		return c.StatusColumn
	default:
		return field
	}
}

// ReceiptParserConfig describes the column layout of a receipt export
type ReceiptParserConfig struct {
	IDColumn         string            `json:"id_column" mapstructure:"id_column"`
	UserIDColumn     string            `json:"user_id_column" mapstructure:"user_id_column"`
	MerchantColumn   string            `json:"merchant_column" mapstructure:"merchant_column"`
	AmountColumn     string            `json:"amount_column" mapstructure:"amount_column"`
	DateColumn       string            `json:"date_column" mapstructure:"date_column"`
	CategoryColumn   string            `json:"category_column" mapstructure:"category_column"`
	SourceColumn     string            `json:"source_column" mapstructure:"source_column"`
	ConfidenceColumn string            `json:"confidence_column" mapstructure:"confidence_column"`
	DateFormat       string            `json:"date_format" mapstructure:"date_format"`
	HasHeader        bool              `json:"has_header" mapstructure:"has_header"`
	Delimiter        rune              `json:"delimiter" mapstructure:"delimiter"`
	DefaultUserID    string            `json:"default_user_id" mapstructure:"default_user_id"`
	DefaultSource    models.Source     `json:"default_source" mapstructure:"default_source"`
	ColumnAliases    map[string]string `json:"column_aliases,omitempty" mapstructure:"column_aliases"`
}

// Validate checks if the receipt parser configuration is valid
func (c *ReceiptParserConfig) Validate() error {
	if strings.TrimSpace(c.MerchantColumn) == "" {
		return fmt.Errorf("merchant column cannot be empty")
	}
	if c.Delimiter == 0 {
		return fmt.Errorf("delimiter cannot be empty")
	}
	if c.DefaultSource != "" && !c.DefaultSource.IsValid() {
		return fmt.Errorf("invalid default source '%s'", c.DefaultSource)
	}
	return nil
}

// ColumnName returns the actual column name, checking aliases first
func (c *ReceiptParserConfig) ColumnName(field string) string {
	if alias, ok := c.ColumnAliases[field]; ok {
		return alias
	}
	switch field {
	case FieldID:
		return c.IDColumn
	case FieldUserID:
		return c.UserIDColumn
	case FieldMerchant:
		return c.MerchantColumn
	case FieldAmount:
		return c.AmountColumn
	case FieldDate:
		return c.DateColumn
	case FieldCategory:
		return c.CategoryColumn
	case FieldSource:
		return c.SourceColumn
	case FieldConfidence:
		return c.ConfidenceColumn
	default:
		return field
	}
}

// DefaultReceiptParserConfig returns the layout written by receipt exports
func DefaultReceiptParserConfig() *ReceiptParserConfig {
	return &ReceiptParserConfig{
		IDColumn:         "id",
		UserIDColumn:     "user_id",
		MerchantColumn:   "merchant",
		AmountColumn:     "amount",
		DateColumn:       "date",
		CategoryColumn:   "category",
		SourceColumn:     "source",
		ConfidenceColumn: "extraction_confidence",
		HasHeader:        true,
		Delimiter:        ',',
		DefaultSource:    models.SourceCSV,
		ColumnAliases:    make(map[string]string),
	}
}

// Predefined transaction layouts for common bank exports
var (
	// StandardTransactionConfig is the generic export format
	StandardTransactionConfig = &TransactionParserConfig{
		Name:              "Standard",
		IDColumn:          "id",
		UserIDColumn:      "user_id",
		DescriptionColumn: "description",
		AmountColumn:      "amount",
		DateColumn:        "date",
		CategoryColumn:    "category",
		StatusColumn:      "status",
		HasHeader:         true,
		Delimiter:         ',',
		Description:       "Standard export with ISO dates",
	}

	// Bank1TransactionConfig uses US dates and prefixed column names
	Bank1TransactionConfig = &TransactionParserConfig{
		Name:              "Bank1",
		IDColumn:          "transaction_id",
		DescriptionColumn: "transaction_description",
		AmountColumn:      "transaction_amount",
		DateColumn:        "posting_date",
		DateFormat:        "01/02/2006",
		HasHeader:         true,
		Delimiter:         ',',
		Description:       "Bank1 statement format with MM/DD/YYYY dates",
	}

	// Bank2TransactionConfig uses semicolons and value dates
	Bank2TransactionConfig = &TransactionParserConfig{
		Name:              "Bank2",
		IDColumn:          "ref_number",
		DescriptionColumn: "transaction_details",
		AmountColumn:      "debit_credit_amount",
		DateColumn:        "value_date",
		DateFormat:        models.DateLayout,
		HasHeader:         true,
		Delimiter:         ';',
		Description:       "Bank2 statement format with semicolon delimiter",
	}
)

// DefaultTransactionParserConfig returns a copy of the standard layout
func DefaultTransactionParserConfig() *TransactionParserConfig {
	c := *StandardTransactionConfig
	c.ColumnAliases = make(map[string]string)
	return &c
}

// GetTransactionConfig returns a predefined layout by name, or nil
func GetTransactionConfig(name string) *TransactionParserConfig {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "standard", "":
		return StandardTransactionConfig
	case "bank1":
		return Bank1TransactionConfig
	case "bank2":
		return Bank2TransactionConfig
	default:
		return nil
	}
}

// ListTransactionConfigs returns all predefined layouts
func ListTransactionConfigs() []*TransactionParserConfig {
	return []*TransactionParserConfig{
		StandardTransactionConfig,
		Bank1TransactionConfig,
		Bank2TransactionConfig,
	}
}

// AutoDetectTransactionConfig picks the predefined layout whose required
// columns all appear in headers, falling back to the standard layout
func AutoDetectTransactionConfig(headers []string) *TransactionParserConfig {
	present := make(map[string]bool)
	for _, header := range headers {
		present[strings.ToLower(strings.TrimSpace(header))] = true
	}

	for _, config := range ListTransactionConfigs() {
		if present[strings.ToLower(config.DescriptionColumn)] &&
			present[strings.ToLower(config.AmountColumn)] &&
			present[strings.ToLower(config.DateColumn)] {
			return config
		}
	}
	return StandardTransactionConfig
}

// StreamingConfig holds configuration for batched and multi-file parsing
type StreamingConfig struct {
	BatchSize       int  `json:"batch_size" mapstructure:"batch_size"`
	MaxConcurrency  int  `json:"max_concurrency" mapstructure:"max_concurrency"`
	ContinueOnError bool `json:"continue_on_error" mapstructure:"continue_on_error"`
	MaxErrors       int  `json:"max_errors" mapstructure:"max_errors"`
}

// DefaultStreamingConfig returns a configuration with sensible defaults for streaming
func DefaultStreamingConfig() *StreamingConfig {
	return &StreamingConfig{
		BatchSize:       500,
		MaxConcurrency:  4,
		ContinueOnError: true,
		MaxErrors:       100,
	}
}

// Validate checks if the streaming configuration is valid
func (c *StreamingConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.MaxErrors < 0 {
		return fmt.Errorf("max errors cannot be negative, got %d", c.MaxErrors)
	}
	return nil
}
