// Package commands implements the kiroku command line interface.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
	"github.com/shizukutanaka/Kiroku/internal/config"
	"github.com/shizukutanaka/Kiroku/internal/masking"
)

// Version is the kiroku release version.
const Version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "kiroku",
	Short: "Batch log intelligence engine",
	Long: `Kiroku ingests batches of application logs and analyzes them with
statistical models: z-score anomaly detection over per-record feature
vectors, TF-IDF pattern recognition and k-means message clustering.

Analyze log files directly from the command line, or run the API
server to ingest, persist and analyze logs over HTTP.`,
	Version: Version,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
}

// cfgPath returns the config file in use, empty when running on
// defaults only.
func cfgPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// loadConfig loads the configuration from --config, falling back to
// ./config.yaml when present and to built-in defaults otherwise.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgPath())
}

// analysisOptions maps the analysis config section onto engine options.
func analysisOptions(cfg *config.Config) analytics.Options {
	return analytics.Options{
		AnomalyThreshold: cfg.Analysis.AnomalyThreshold,
		MinPatternCount:  cfg.Analysis.MinPatternCount,
		NumClusters:      cfg.Analysis.Clusters,
		MaxIterations:    cfg.Analysis.MaxIterations,
		Seed:             cfg.Analysis.Seed,
	}
}

// maskingRules converts the configured custom masking rules.
func maskingRules(cfg *config.Config) []masking.Rule {
	rules := make([]masking.Rule, 0, len(cfg.Masking.CustomRules))
	for _, r := range cfg.Masking.CustomRules {
		rules = append(rules, masking.Rule{
			Name:        r.Name,
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
		})
	}
	return rules
}

// newCommandLogger builds a console logger for one-shot commands.
// It writes to stderr so stdout stays clean for report output.
func newCommandLogger() *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}
