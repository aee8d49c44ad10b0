// Package monitoring exports Prometheus metrics and samples host
// resource usage.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
)

// Config defines metrics exporter configuration.
type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr"`
	MetricsPath    string        `yaml:"metrics_path" json:"metrics_path" mapstructure:"metrics_path"`
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval" mapstructure:"update_interval"`
	Namespace      string        `yaml:"namespace" json:"namespace" mapstructure:"namespace"`
}

// Metrics exposes the Prometheus registry and recording helpers.
type Metrics struct {
	logger   *zap.Logger
	config   Config
	server   *http.Server
	registry *prometheus.Registry

	// Ingestion metrics
	entriesIngested *prometheus.CounterVec
	redactions      *prometheus.CounterVec
	redactionsMu    sync.Mutex
	redactionsSeen  map[string]uint64

	// Analysis metrics
	runsTotal        prometheus.Counter
	runDuration      prometheus.Histogram
	lastRunRecords   prometheus.Gauge
	lastRunAnomalies prometheus.Gauge
	lastRunPatterns  prometheus.Gauge
	lastRunClusters  prometheus.Gauge

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Cache metrics
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// System metrics
	cpuUsage      prometheus.Gauge
	memoryUsed    prometheus.Gauge
	memoryPercent prometheus.Gauge
	diskPercent   prometheus.Gauge
	goroutines    prometheus.Gauge
}

// New creates a metrics exporter. Zero config fields fall back to
// defaults.
func New(logger *zap.Logger, config Config) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":9090"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 15 * time.Second
	}
	if config.Namespace == "" {
		config.Namespace = "kiroku"
	}

	m := &Metrics{
		logger:         logger.Named("monitoring"),
		config:         config,
		registry:       prometheus.NewRegistry(),
		redactionsSeen: make(map[string]uint64),
	}
	m.initializeMetrics()
	return m
}

// Start serves the metrics endpoint and samples host metrics until
// ctx is cancelled.
func (m *Metrics) Start(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("Metrics exporter disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    m.config.ListenAddr,
		Handler: mux,
	}

	go func() {
		m.logger.Info("Starting metrics exporter",
			zap.String("address", m.config.ListenAddr),
			zap.String("path", m.config.MetricsPath),
		)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	go m.sampleLoop(ctx)

	<-ctx.Done()
	return m.Stop()
}

// Stop shuts the metrics server down.
func (m *Metrics) Stop() error {
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}
	m.logger.Info("Metrics exporter stopped")
	return nil
}

// Handler returns the exposition handler for embedding in other
// servers and tests.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// RecordIngestedEntries counts ingested records by source.
func (m *Metrics) RecordIngestedEntries(source string, count int) {
	m.entriesIngested.WithLabelValues(source).Add(float64(count))
}

// SyncRedactions advances the per-rule redaction counters to the given
// cumulative totals. The masker reports running totals, so only the
// delta since the previous sync is added.
func (m *Metrics) SyncRedactions(totals map[string]uint64) {
	m.redactionsMu.Lock()
	defer m.redactionsMu.Unlock()
	for rule, total := range totals {
		if prev := m.redactionsSeen[rule]; total > prev {
			m.redactions.WithLabelValues(rule).Add(float64(total - prev))
			m.redactionsSeen[rule] = total
		}
	}
}

// RecordRun updates the run counters and last-run gauges from a
// report.
func (m *Metrics) RecordRun(report *analytics.Report) {
	m.runsTotal.Inc()
	m.runDuration.Observe(report.Duration.Seconds())
	m.lastRunRecords.Set(float64(report.RecordCount))
	m.lastRunAnomalies.Set(float64(len(report.Anomalies)))
	m.lastRunPatterns.Set(float64(len(report.Patterns)))
	m.lastRunClusters.Set(float64(len(report.Clusters)))
}

// RecordHTTPRequest counts an API request and its latency.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, code).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCacheHit counts a report cache hit.
func (m *Metrics) RecordCacheHit() { m.cacheHits.Inc() }

// RecordCacheMiss counts a report cache miss.
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Inc() }

func (m *Metrics) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleSystem(time.Second)
		}
	}
}

// sampleSystem refreshes the host gauges. block is the CPU sampling
// window.
func (m *Metrics) sampleSystem(block time.Duration) {
	if percent, err := cpu.Percent(block, false); err == nil && len(percent) > 0 {
		m.cpuUsage.Set(percent[0])
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		m.memoryUsed.Set(float64(vmem.Used))
		m.memoryPercent.Set(vmem.UsedPercent)
	}
	if usage, err := disk.Usage("."); err == nil {
		m.diskPercent.Set(usage.UsedPercent)
	}
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

func (m *Metrics) initializeMetrics() {
	ns := m.config.Namespace

	m.entriesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "ingest",
		Name:      "entries_total",
		Help:      "Total number of log entries ingested",
	}, []string{"source"})

	m.redactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "masking",
		Name:      "redactions_total",
		Help:      "Total number of secrets redacted",
	}, []string{"rule"})

	m.runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "analysis",
		Name:      "runs_total",
		Help:      "Total number of analysis runs",
	})

	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "analysis",
		Name:      "run_duration_seconds",
		Help:      "Analysis run duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	m.lastRunRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "analysis",
		Name:      "last_run_records",
		Help:      "Records analyzed in the most recent run",
	})

	m.lastRunAnomalies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "analysis",
		Name:      "last_run_anomalies",
		Help:      "Anomalies flagged in the most recent run",
	})

	m.lastRunPatterns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "analysis",
		Name:      "last_run_patterns",
		Help:      "Patterns found in the most recent run",
	})

	m.lastRunClusters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "analysis",
		Name:      "last_run_clusters",
		Help:      "Clusters formed in the most recent run",
	})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of API requests",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total report cache hits",
	})

	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total report cache misses",
	})

	m.cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "system",
		Name:      "cpu_usage_percent",
		Help:      "CPU usage percentage",
	})

	m.memoryUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "system",
		Name:      "memory_used_bytes",
		Help:      "Memory in use in bytes",
	})

	m.memoryPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "system",
		Name:      "memory_usage_percent",
		Help:      "Memory usage percentage",
	})

	m.diskPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "system",
		Name:      "disk_usage_percent",
		Help:      "Disk usage percentage for the working directory",
	})

	m.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "system",
		Name:      "goroutines",
		Help:      "Number of goroutines",
	})

	m.registry.MustRegister(
		m.entriesIngested,
		m.redactions,
		m.runsTotal,
		m.runDuration,
		m.lastRunRecords,
		m.lastRunAnomalies,
		m.lastRunPatterns,
		m.lastRunClusters,
		m.httpRequests,
		m.httpDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cpuUsage,
		m.memoryUsed,
		m.memoryPercent,
		m.diskPercent,
		m.goroutines,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())
}
