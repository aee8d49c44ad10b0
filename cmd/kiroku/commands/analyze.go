package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
	"github.com/shizukutanaka/Kiroku/internal/ingest"
	"github.com/shizukutanaka/Kiroku/internal/logdata"
	"github.com/shizukutanaka/Kiroku/internal/masking"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [path...]",
	Short: "Analyze log files",
	Long: `Analyze reads log files or directories, masks sensitive content and
runs the full pipeline over the batch: anomaly detection, pattern
recognition and clustering. Pass "-" to read from stdin.`,
	Example: `  kiroku analyze app.log
  kiroku analyze /var/log/myapp --format json --output report.json
  cat app.log | kiroku analyze - --threshold 2.5`,
	Args: cobra.ArbitraryArgs,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringSliceP("input", "i", nil, "log file or directory (repeatable; also accepted as arguments)")
	analyzeCmd.Flags().Float64("threshold", 0, "anomaly z-score threshold (overrides config)")
	analyzeCmd.Flags().Int("min-pattern-count", 0, "minimum records per pattern (overrides config)")
	analyzeCmd.Flags().Int("clusters", 0, "number of k-means clusters (overrides config)")
	analyzeCmd.Flags().Int("max-iterations", 0, "k-means iteration cap (overrides config)")
	analyzeCmd.Flags().Int64("seed", 0, "random seed for deterministic clustering")
	analyzeCmd.Flags().Bool("mask", true, "mask sensitive content before analysis")
	analyzeCmd.Flags().StringP("format", "f", "table", "output format (table, json, yaml)")
	analyzeCmd.Flags().StringP("output", "o", "", "write the report to a file instead of stdout")
	analyzeCmd.Flags().Int("top", 10, "rows per section in table output")
}

// analysisSummary is the report envelope the analyze command emits.
type analysisSummary struct {
	Inputs      []string          `json:"inputs"`
	RecordCount int               `json:"record_count"`
	BytesRead   int64             `json:"bytes_read"`
	Redactions  int               `json:"redactions"`
	Elapsed     time.Duration     `json:"elapsed"`
	Report      *analytics.Report `json:"report"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	inputs, _ := cmd.Flags().GetStringSlice("input")
	inputs = append(inputs, args...)
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs: pass log files or directories as arguments or with --input")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newCommandLogger()
	defer logger.Sync()

	opts := analysisOptions(cfg)
	if cmd.Flags().Changed("threshold") {
		opts.AnomalyThreshold, _ = cmd.Flags().GetFloat64("threshold")
	}
	if cmd.Flags().Changed("min-pattern-count") {
		opts.MinPatternCount, _ = cmd.Flags().GetInt("min-pattern-count")
	}
	if cmd.Flags().Changed("clusters") {
		opts.NumClusters, _ = cmd.Flags().GetInt("clusters")
	}
	if cmd.Flags().Changed("max-iterations") {
		opts.MaxIterations, _ = cmd.Flags().GetInt("max-iterations")
	}
	if cmd.Flags().Changed("seed") {
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
	}

	reader := ingest.NewReader(logger, ingest.Config{
		MaxLineBytes:    cfg.Ingest.MaxLineBytes,
		Extensions:      cfg.Ingest.Extensions,
		NormalizeLevels: cfg.Ingest.NormalizeLevels,
	})

	start := time.Now()
	var records []logdata.Record
	var bytesRead int64
	for _, path := range inputs {
		if path == "-" {
			batch, err := reader.Read(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			records = append(records, batch...)
			continue
		}

		batch, err := reader.ReadPath(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			bytesRead += info.Size()
		}
		records = append(records, batch...)
	}
	if len(records) == 0 {
		return fmt.Errorf("no log records found in %s", strings.Join(inputs, ", "))
	}

	maskEnabled := cfg.Masking.Enabled
	if cmd.Flags().Changed("mask") {
		maskEnabled, _ = cmd.Flags().GetBool("mask")
	}
	redactions := 0
	if maskEnabled {
		masker, err := masking.NewMasker(logger, maskingRules(cfg))
		if err != nil {
			return err
		}
		records, redactions = masker.MaskRecords(records)
	}

	analyzer := analytics.NewAnalyzer(logger, opts)
	report := analyzer.Analyze(records)

	summary := &analysisSummary{
		Inputs:      inputs,
		RecordCount: len(records),
		BytesRead:   bytesRead,
		Redactions:  redactions,
		Elapsed:     time.Since(start),
		Report:      report,
	}

	out := io.Writer(os.Stdout)
	if output, _ := cmd.Flags().GetString("output"); output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", output, err)
		}
		defer f.Close()
		out = f
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	case "yaml":
		return writeYAML(out, summary)
	case "table":
		top, _ := cmd.Flags().GetInt("top")
		printSummary(out, summary, top)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

// writeYAML round-trips through JSON so the yaml output carries the
// same keys as the json output.
func writeYAML(w io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	data, err := yaml.Marshal(generic)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func printSummary(w io.Writer, s *analysisSummary, top int) {
	r := s.Report

	fmt.Fprintln(w, "Kiroku Analysis Report")
	fmt.Fprintln(w, "======================")
	fmt.Fprintf(w, "Inputs:      %s\n", strings.Join(s.Inputs, ", "))
	fmt.Fprintf(w, "Records:     %s\n", humanize.Comma(int64(s.RecordCount)))
	if s.BytesRead > 0 {
		fmt.Fprintf(w, "Bytes read:  %s\n", humanize.IBytes(uint64(s.BytesRead)))
	}
	fmt.Fprintf(w, "Redactions:  %s\n", humanize.Comma(int64(s.Redactions)))
	fmt.Fprintf(w, "Elapsed:     %s\n", s.Elapsed.Round(time.Millisecond))

	fmt.Fprintf(w, "\nAnomalies: %d\n", len(r.Anomalies))
	for i, a := range r.Anomalies {
		if i == top {
			fmt.Fprintf(w, "  ... %d more\n", len(r.Anomalies)-top)
			break
		}
		fmt.Fprintf(w, "  %6.2f  %-8s %s\n", a.Score, a.Record.Level, firstLine(a.Record.Message, 96))
	}

	fmt.Fprintf(w, "\nPatterns: %d\n", len(r.Patterns))
	for i, p := range r.Patterns {
		if i == top {
			fmt.Fprintf(w, "  ... %d more\n", len(r.Patterns)-top)
			break
		}
		fmt.Fprintf(w, "  %6d  %s\n", p.Count, p.Term)
	}

	fmt.Fprintf(w, "\nClusters: %d\n", len(r.Clusters))
	for _, c := range r.Clusters {
		terms := strings.Join(c.CommonTerms, ", ")
		if terms == "" {
			terms = "-"
		}
		fmt.Fprintf(w, "  #%d  size=%-6d terms: %s\n", c.ID, c.Size, terms)
	}
}

// firstLine returns the first line of s, truncated to max runes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
