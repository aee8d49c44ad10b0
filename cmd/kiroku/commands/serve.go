package commands

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
	"github.com/shizukutanaka/Kiroku/internal/api"
	"github.com/shizukutanaka/Kiroku/internal/auth"
	"github.com/shizukutanaka/Kiroku/internal/cache"
	"github.com/shizukutanaka/Kiroku/internal/config"
	apperrors "github.com/shizukutanaka/Kiroku/internal/errors"
	"github.com/shizukutanaka/Kiroku/internal/logging"
	"github.com/shizukutanaka/Kiroku/internal/masking"
	"github.com/shizukutanaka/Kiroku/internal/monitoring"
	"github.com/shizukutanaka/Kiroku/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Kiroku API server",
	Long: `Serve starts the HTTP API with the configured subsystems: masking,
persistent storage, the report cache, Prometheus metrics and the
analysis engine. The process runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serveCmd.Flags().Bool("watch-config", true, "apply masking rule changes when the config file changes")
	serveCmd.Flags().String("pprof", "", "serve pprof on this address (e.g. localhost:6060)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.ListenAddr = listen
	}
	if !cfg.API.Enabled {
		return fmt.Errorf("api.enabled is false, nothing to serve")
	}

	logLevel := cfg.Logging.Level
	if verbose {
		logLevel = "debug"
	}
	encoding := "json"
	if cfg.Logging.Development {
		encoding = "console"
	}
	factory, err := logging.NewLoggerFactory(&logging.LogConfig{
		OutputPath:   cfg.Logging.OutputPath,
		Level:        logLevel,
		ModuleLevels: cfg.Logging.ModuleLevels,
		Encoding:     encoding,
		Development:  cfg.Logging.Development,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer factory.Sync()

	logger := factory.GetLogger("main")
	logger.Info("Starting Kiroku",
		zap.String("version", Version),
		zap.String("listen_addr", cfg.API.ListenAddr),
		zap.String("config", cfgPath()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var masker *masking.Masker
	if cfg.Masking.Enabled {
		masker, err = masking.NewMasker(factory.GetLogger("masking"), maskingRules(cfg))
		if err != nil {
			return err
		}
	}

	analyzer := analytics.NewAnalyzer(factory.GetLogger("analytics"), analysisOptions(cfg))

	var store *storage.Store
	if cfg.Storage.Enabled {
		store, err = storage.Open(factory.Root(), storage.Config{
			Driver:             cfg.Storage.Driver,
			DSN:                cfg.Storage.DSN,
			MaxOpenConns:       cfg.Storage.MaxOpenConns,
			MaxIdleConns:       cfg.Storage.MaxIdleConns,
			ConnMaxLifetime:    cfg.Storage.ConnMaxLifetime,
			SlowQueryThreshold: cfg.Storage.SlowQueryThreshold,
		})
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()
	}

	var reports *cache.ReportCache
	if cfg.Cache.Enabled {
		reports, err = cache.NewReportCache(factory.Root(), cache.Config{
			TTL:       cfg.Cache.TTL,
			MaxSizeMB: cfg.Cache.MaxSizeMB,
			Shards:    cfg.Cache.Shards,
		})
		if err != nil {
			return fmt.Errorf("initializing report cache: %w", err)
		}
		defer reports.Close()
	}

	var tokens *auth.TokenManager
	if cfg.API.Auth.Enabled {
		tokens, err = auth.NewTokenManager(factory.Root(), auth.Config{
			Secret:   cfg.API.Auth.Secret,
			Issuer:   cfg.API.Auth.Issuer,
			TokenTTL: cfg.API.Auth.TokenTTL,
		})
		if err != nil {
			return fmt.Errorf("initializing auth: %w", err)
		}
	}

	var metrics *monitoring.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitoring.New(factory.Root(), monitoring.Config{
			Enabled:        true,
			ListenAddr:     cfg.Metrics.ListenAddr,
			MetricsPath:    cfg.Metrics.MetricsPath,
			UpdateInterval: cfg.Metrics.UpdateInterval,
			Namespace:      cfg.Metrics.Namespace,
		})
		go func() {
			defer apperrors.SafeRecover(logger, "metrics server")
			if err := metrics.Start(ctx); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	server, err := api.NewServer(factory.Root(), api.Config{
		Enabled:         true,
		ListenAddr:      cfg.API.ListenAddr,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		AllowOrigins:    cfg.API.AllowOrigins,
		RateLimit:       cfg.API.RateLimit,
		AuthEnabled:     cfg.API.Auth.Enabled,
		Users:           cfg.API.Auth.Users,
	}, api.Deps{
		Analyzer: analyzer,
		Masker:   masker,
		Store:    store,
		Reports:  reports,
		Tokens:   tokens,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("initializing api server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	if addr, _ := cmd.Flags().GetString("pprof"); addr != "" {
		go func() {
			defer apperrors.SafeRecover(logger, "pprof server")
			logger.Info("pprof listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Warn("pprof server stopped", zap.Error(err))
			}
		}()
	}

	// Masking rules and inference thresholds apply on config reload;
	// everything else is wired at startup and needs a restart.
	if watch, _ := cmd.Flags().GetBool("watch-config"); watch && cfgPath() != "" {
		watcher, err := config.NewConfigWatcher(factory.Root(), cfgPath())
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(func(next *config.Config) {
			analyzer.SetThresholds(next.Analysis.AnomalyThreshold, next.Analysis.MinPatternCount)
			if masker != nil {
				if err := masker.SetRules(maskingRules(next)); err != nil {
					logger.Warn("Rejected reloaded masking rules", zap.Error(err))
				}
			}
		}); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown error", zap.Error(err))
	}
	cancel()

	logger.Info("Kiroku stopped")
	return nil
}
