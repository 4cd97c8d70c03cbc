package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"receipt-matching-service/cmd/matcher/config"
	"receipt-matching-service/internal/matcher"
	"receipt-matching-service/internal/storage"
	"receipt-matching-service/internal/weights"
	"receipt-matching-service/pkg/errors"
	"receipt-matching-service/pkg/logger"
)

var (
	cfgFile string
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	v   = config.NewViper()
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "matcher",
	Short: "Receipt to transaction matching tool",
	Long: `Matcher links extracted receipts to bank transactions, flags duplicate
receipts and routes uncertain pairs to a review queue. Receipts and
transactions are imported into a SQLite database and matched by batch
sweeps, or matched directly from files.

Settings come from flags, an optional config file and MATCHER_ environment
variables (for example MATCHER_DATABASE or MATCHER_LOG_LEVEL).

Examples:
  matcher import --receipts receipts.csv --transactions statement.ofx
  matcher sweep --older-than 24h --output-format json
  matcher match --receipts receipts.csv --transactions transactions.csv
  matcher feedback r-123 --correct
  matcher weights history`,
	Version:           getVersionString(),
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the command line and returns the process exit code
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return NewCLIErrorHandler().HandleError(err)
	}
	return 0
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional)")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.String("database", config.DefaultDatabasePath, "path to the SQLite database")
	flags.String("profile", "default", "matching profile: default, strict, relaxed")
	flags.String("aliases", "", "YAML file of merchant aliases")
	flags.String("user", "", "user ID for records without one, and for scoping sweeps")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json")

	v.BindPFlag("verbose", flags.Lookup("verbose"))
	v.BindPFlag("database", flags.Lookup("database"))
	v.BindPFlag("profile", flags.Lookup("profile"))
	v.BindPFlag("aliases", flags.Lookup("aliases"))
	v.BindPFlag("user", flags.Lookup("user"))
}

// loadConfig reads the config file and environment, then sets up logging
func loadConfig(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.ConfigurationError(errors.CodeMissingConfig, "config", cfgFile, err)
		}
	}

	loaded, err := config.Load(v)
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "config", v.ConfigFileUsed(), err)
	}

	flags := cmd.Flags()
	if level, _ := flags.GetString("log-level"); level != "" {
		loaded.Log.Level = logger.Level(level)
	}
	if format, _ := flags.GetString("log-format"); format != "" {
		loaded.Log.Format = logger.Format(format)
	}
	if v.GetBool("verbose") {
		loaded.Log.Level = logger.DebugLevel
	}

	log, err := logger.NewLogger(&loaded.Log)
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "log", loaded.Log.Level, err)
	}
	logger.SetGlobalLogger(log)

	if v.ConfigFileUsed() != "" {
		log.WithField("config_file", v.ConfigFileUsed()).Debug("Using config file")
	}
	cfg = loaded
	return nil
}

// openStore opens the configured database
func openStore(ctx context.Context) (*storage.SQLiteStore, error) {
	return storage.Open(ctx, cfg.Database, logger.GetGlobalLogger())
}

// newEngine builds a matching engine with the configured aliases. When store
// is set the engine starts from the latest saved weight vector.
func newEngine(ctx context.Context, store *storage.SQLiteStore) (*matcher.Engine, error) {
	log := logger.GetGlobalLogger()

	norm, aliases, err := config.LoadNormalizer(cfg.Aliases, cfg.Matching, log)
	if err != nil {
		return nil, errors.FileError(errors.CodeFileNotFound, cfg.Aliases, err)
	}
	opts := []matcher.EngineOption{matcher.WithNormalizer(norm), matcher.WithEngineLogger(log)}

	if store != nil {
		latest, err := store.LoadLatestWeights(ctx)
		switch {
		case err == nil:
			opts = append(opts, matcher.WithWeightStore(weights.NewStore(latest, cfg.Matching.LearningRate, log)))
			log.WithField("weights_version", latest.Version()).Debug("Loaded saved weights")
		case errors.IsCode(err, errors.CodeNotFound):
			log.Debug("No saved weights, using configured initial weights")
		default:
			return nil, err
		}
	}

	engine, err := matcher.NewEngine(cfg.Matching, opts...)
	if err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"profile": cfg.Profile,
		"aliases": aliases,
	}).Debug("Matching engine ready")
	return engine, nil
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(ver, c, d string) {
	version = ver
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
