// Package config turns command-line flags, config files and MATCHER_
// environment variables into the configurations of the matching packages.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"

	"receipt-matching-service/internal/cache"
	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/normalizer"
	"receipt-matching-service/internal/parsers"
	"receipt-matching-service/internal/reporter"
	"receipt-matching-service/pkg/logger"
)

// EnvPrefix is the prefix of environment overrides, e.g. MATCHER_DATABASE
const EnvPrefix = "MATCHER"

// DefaultDatabasePath is used when no database is configured
const DefaultDatabasePath = "matcher.db"

// Config is the file layout of a matcher configuration:
//
//	database: data/matcher.db
//	profile: strict
//	aliases: merchants.yaml
//	log:
//	  level: debug
//	matching:
//	  date_window_days: 2
//	  thresholds: {exact: 0.95, high: 0.8, medium: 0.6, low: 0.4}
//	report:
//	  format: json
type Config struct {
	Database string                   `mapstructure:"database"`
	Profile  string                   `mapstructure:"profile"`
	Aliases  string                   `mapstructure:"aliases"`
	UserID   string                   `mapstructure:"user"`
	Log      logger.Config            `mapstructure:"log"`
	Matching *matcher.MatchingConfig  `mapstructure:"matching"`
	Report   *reporter.ReportConfig   `mapstructure:"report"`
	Parsing  *parsers.StreamingConfig `mapstructure:"parsing"`
}

// Load reads the configuration held by v. Matching settings start from the
// named profile and are overridden key by key by the matching section.
func Load(v *viper.Viper) (*Config, error) {
	profile := v.GetString("profile")
	matching, err := MatchingConfigForProfile(profile)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DefaultDatabasePath,
		Log:      *logger.DefaultConfig(),
		Matching: matching,
		Report:   reporter.DefaultReportConfig(),
		Parsing:  parsers.DefaultStreamingConfig(),
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabasePath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	if err := c.Matching.Validate(); err != nil {
		return fmt.Errorf("invalid matching config: %w", err)
	}
	if err := c.Report.Validate(); err != nil {
		return fmt.Errorf("invalid report config: %w", err)
	}
	if err := c.Parsing.Validate(); err != nil {
		return fmt.Errorf("invalid parsing config: %w", err)
	}
	return nil
}

// NewViper returns a viper instance wired for MATCHER_ environment variables
// with dashes and dots mapped to underscores
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// MatchingConfigForProfile returns the matching configuration of a named profile
func MatchingConfigForProfile(profile string) (*matcher.MatchingConfig, error) {
	switch strings.ToLower(profile) {
	case "", "default":
		return matcher.DefaultMatchingConfig(), nil
	case "strict":
		return matcher.StrictMatchingConfig(), nil
	case "relaxed":
		return matcher.RelaxedMatchingConfig(), nil
	default:
		return nil, fmt.Errorf("unknown matching profile %q (valid: default, strict, relaxed)", profile)
	}
}

// CreateTransactionParserConfig returns a copy of the named column layout;
// "auto" and "" return nil so the caller detects the layout per file
func CreateTransactionParserConfig(layout, defaultUserID string) (*parsers.TransactionParserConfig, error) {
	if layout == "" || layout == "auto" {
		return nil, nil
	}
	preset := parsers.GetTransactionConfig(layout)
	if preset == nil {
		names := make([]string, 0, 3)
		for _, c := range parsers.ListTransactionConfigs() {
			names = append(names, c.Name)
		}
		return nil, fmt.Errorf("unknown transaction layout %q (valid: auto, %s)", layout, strings.Join(names, ", "))
	}
	return withUser(preset, defaultUserID), nil
}

// DetectTransactionParserConfig reads the header row of path and picks the
// matching predefined layout. The delimiter is whichever of ',' and ';'
// occurs more often in the header.
func DetectTransactionParserConfig(path, defaultUserID string) (*parsers.TransactionParserConfig, error) {
	if parsers.IsOFX(path) {
		return withUser(parsers.DefaultTransactionParserConfig(), defaultUserID), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	header, err := bufio.NewReader(file).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	delimiter := ','
	if strings.Count(header, ";") > strings.Count(header, ",") {
		delimiter = ';'
	}

	detected, err := parsers.Detect(strings.NewReader(header), delimiter)
	if err != nil {
		return nil, err
	}
	return withUser(detected, defaultUserID), nil
}

func withUser(preset *parsers.TransactionParserConfig, defaultUserID string) *parsers.TransactionParserConfig {
	config := *preset
	config.ColumnAliases = make(map[string]string, len(preset.ColumnAliases))
	for k, v := range preset.ColumnAliases {
		config.ColumnAliases[k] = v
	}
	config.DefaultUserID = defaultUserID
	return &config
}

// CreateReceiptParserConfig returns the receipt CSV layout
func CreateReceiptParserConfig(defaultUserID string) *parsers.ReceiptParserConfig {
	config := parsers.DefaultReceiptParserConfig()
	config.DefaultUserID = defaultUserID
	return config
}

// CreateReportConfig returns the report configuration for an output format
func CreateReportConfig(base *reporter.ReportConfig, format string) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	if base != nil {
		copied := *base
		config = &copied
	}
	if format == "" {
		return config, nil
	}

	config.Format = reporter.OutputFormat(strings.ToLower(format))
	switch config.Format {
	case reporter.FormatConsole:
	case reporter.FormatJSON:
		config.UseColors = false
	case reporter.FormatCSV:
		config.UseColors = false
		config.CSVHeaders = true
	default:
		return nil, fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", format)
	}
	return config, nil
}

// LoadNormalizer builds a merchant normalizer, seeding its profile registry
// from a YAML alias file when path is set
func LoadNormalizer(path string, matching *matcher.MatchingConfig, log logger.Logger) (*normalizer.Normalizer, int, error) {
	registry := normalizer.NewProfileRegistry(0)
	loaded := 0
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}
		defer file.Close()

		loaded, err = registry.LoadYAML(file)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load merchant aliases from %s: %w", path, err)
		}
	}

	opts := []normalizer.Option{
		normalizer.WithAliasThreshold(matching.AliasThreshold),
		normalizer.WithLogger(log),
	}
	if matching.CacheSize > 0 {
		opts = append(opts, normalizer.WithCache(cache.NewLRU[string, normalizer.Result](matching.CacheSize, matching.CacheTTL)))
	}
	return normalizer.New(registry, opts...), loaded, nil
}
