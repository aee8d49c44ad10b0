package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Kiroku/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Long: `Init writes a commented config.yaml with the default settings and a
freshly generated auth secret, ready to edit.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("config-dir", ".", "directory for the generated file")
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("config-dir")
	force, _ := cmd.Flags().GetBool("force")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if fileExists(path) && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	secret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating auth secret: %w", err)
	}

	content := fmt.Sprintf(defaultConfigTemplate, secret)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Make sure what we wrote actually loads.
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("generated config failed validation: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review the configuration, in particular storage and api.auth")
	fmt.Println("  2. Analyze a first batch:  kiroku analyze /path/to/app.log")
	fmt.Printf("  3. Start the API server:   kiroku serve --config %s\n", path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// randomSecret returns n random bytes, hex encoded.
func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

const defaultConfigTemplate = `# Kiroku configuration.
# Values shown are the defaults; delete anything you do not override.

logging:
  level: info              # debug, info, warn, error
  # module_levels:         # per-component overrides
  #   storage: debug
  development: false       # console encoder, stdout only
  output_path: logs/kiroku.log
  max_size_mb: 100
  max_backups: 5
  max_age_days: 30
  compress: true

analysis:
  anomaly_threshold: 3.0   # z-score needed to flag a record
  min_pattern_count: 3     # records a term must recur in
  clusters: 3              # k-means cluster count
  max_iterations: 100
  seed: 0                  # 0 draws a fresh seed per run

ingest:
  max_line_bytes: 1048576
  extensions: [".log", ".txt", ".jsonl", ".out", ".gz", ".zst", ".zstd"]
  normalize_levels: true

masking:
  enabled: true
  # custom_rules:
  #   - name: employee_id
  #     pattern: "(?i)employee-id-\\d+"
  #     replacement: "[EMPLOYEE]"

storage:
  enabled: false
  driver: sqlite3          # sqlite3 or postgres
  dsn: kiroku.db
  max_open_conns: 25
  max_idle_conns: 5
  conn_max_lifetime: 30m
  slow_query_threshold: 100ms

cache:
  enabled: true
  ttl: 15m
  max_size_mb: 64
  shards: 64

api:
  enabled: true
  listen_addr: ":8080"
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
  allow_origins: ["*"]
  rate_limit: 100          # requests per second per client, 0 disables
  auth:
    enabled: false
    secret: "%s"
    issuer: kiroku
    token_ttl: 15m
    # users:               # name -> argon2id hash, see kiroku passwd
    #   admin: "$argon2id$v=19$m=65536,t=1,p=4$..."

metrics:
  enabled: true
  listen_addr: ":9090"
  metrics_path: /metrics
  update_interval: 15s
  namespace: kiroku
`
