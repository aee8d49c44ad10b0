package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	Ingest   IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	Masking  MaskingConfig  `mapstructure:"masking" yaml:"masking"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig はログ出力設定
type LoggingConfig struct {
	Level        string            `mapstructure:"level" yaml:"level"`
	ModuleLevels map[string]string `mapstructure:"module_levels" yaml:"module_levels"`
	Development  bool              `mapstructure:"development" yaml:"development"`
	OutputPath   string            `mapstructure:"output_path" yaml:"output_path"`
	MaxSizeMB    int               `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups   int               `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays   int               `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress     bool              `mapstructure:"compress" yaml:"compress"`
}

// AnalysisConfig は解析エンジン設定
type AnalysisConfig struct {
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold" yaml:"anomaly_threshold"`
	MinPatternCount  int     `mapstructure:"min_pattern_count" yaml:"min_pattern_count"`
	Clusters         int     `mapstructure:"clusters" yaml:"clusters"`
	MaxIterations    int     `mapstructure:"max_iterations" yaml:"max_iterations"`
	Seed             int64   `mapstructure:"seed" yaml:"seed"`
}

// IngestConfig は取り込み設定
type IngestConfig struct {
	MaxLineBytes    int      `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
	Extensions      []string `mapstructure:"extensions" yaml:"extensions"`
	NormalizeLevels bool     `mapstructure:"normalize_levels" yaml:"normalize_levels"`
}

// MaskingRule はカスタムマスキングルール
type MaskingRule struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Pattern     string `mapstructure:"pattern" yaml:"pattern"`
	Replacement string `mapstructure:"replacement" yaml:"replacement"`
}

// MaskingConfig はマスキング設定
type MaskingConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	CustomRules []MaskingRule `mapstructure:"custom_rules" yaml:"custom_rules"`
}

// StorageConfig はストレージ設定
type StorageConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Driver             string        `mapstructure:"driver" yaml:"driver"`
	DSN                string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns       int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold" yaml:"slow_query_threshold"`
}

// CacheConfig はキャッシュ設定
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxSizeMB int           `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	Shards    int           `mapstructure:"shards" yaml:"shards"`
}

// AuthConfig は認証設定
type AuthConfig struct {
	Enabled  bool              `mapstructure:"enabled" yaml:"enabled"`
	Secret   string            `mapstructure:"secret" yaml:"secret"`
	Issuer   string            `mapstructure:"issuer" yaml:"issuer"`
	TokenTTL time.Duration     `mapstructure:"token_ttl" yaml:"token_ttl"`
	Users    map[string]string `mapstructure:"users" yaml:"users"`
}

// APIConfig はAPI設定
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins" yaml:"allow_origins"`
	RateLimit       int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	Auth            AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// MetricsConfig はメトリクス設定
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	MetricsPath    string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	UpdateInterval time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
	Namespace      string        `mapstructure:"namespace" yaml:"namespace"`
}

// Load は設定ファイルを読み込む。path が空の場合はデフォルト値と
// 環境変数のみを使う。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("KIROKU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default はデフォルト設定を返す
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults always validate.
		panic(err)
	}
	return cfg
}

// setDefaults はデフォルト値を設定
func setDefaults(v *viper.Viper) {
	// ログ設定
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.output_path", "logs/kiroku.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	// 解析設定
	v.SetDefault("analysis.anomaly_threshold", 3.0)
	v.SetDefault("analysis.min_pattern_count", 3)
	v.SetDefault("analysis.clusters", 3)
	v.SetDefault("analysis.max_iterations", 100)
	v.SetDefault("analysis.seed", 0) // 0 = 実行ごとに時刻から生成

	// 取り込み設定
	v.SetDefault("ingest.max_line_bytes", 1024*1024)
	v.SetDefault("ingest.extensions", []string{".log", ".txt", ".jsonl", ".out", ".gz", ".zst", ".zstd"})
	v.SetDefault("ingest.normalize_levels", true)

	// マスキング設定
	v.SetDefault("masking.enabled", true)

	// ストレージ設定
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.driver", "sqlite3")
	v.SetDefault("storage.dsn", "kiroku.db")
	v.SetDefault("storage.max_open_conns", 25)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("storage.slow_query_threshold", "100ms")

	// キャッシュ設定
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("cache.max_size_mb", 64)
	v.SetDefault("cache.shards", 64)

	// API設定
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_timeout", "30s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.allow_origins", []string{"*"})
	v.SetDefault("api.rate_limit", 100)
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.issuer", "kiroku")
	v.SetDefault("api.auth.token_ttl", "15m")

	// メトリクス設定
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.metrics_path", "/metrics")
	v.SetDefault("metrics.update_interval", "15s")
	v.SetDefault("metrics.namespace", "kiroku")
}

// validate は設定値を検証
func validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}
	for component, level := range cfg.Logging.ModuleLevels {
		switch level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid log level %q for module %s", level, component)
		}
	}

	if cfg.Analysis.AnomalyThreshold <= 0 {
		return fmt.Errorf("anomaly threshold must be positive, got %v", cfg.Analysis.AnomalyThreshold)
	}
	if cfg.Analysis.MinPatternCount < 1 {
		return fmt.Errorf("min pattern count must be at least 1, got %d", cfg.Analysis.MinPatternCount)
	}
	if cfg.Analysis.Clusters < 1 {
		return fmt.Errorf("cluster count must be at least 1, got %d", cfg.Analysis.Clusters)
	}
	if cfg.Analysis.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got %d", cfg.Analysis.MaxIterations)
	}

	if cfg.Storage.Enabled {
		switch cfg.Storage.Driver {
		case "postgres", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
		}
	}

	if cfg.API.Auth.Enabled && cfg.API.Auth.Secret == "" {
		return fmt.Errorf("api auth requires a secret")
	}
	return nil
}
