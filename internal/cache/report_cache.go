// Package cache memoizes analysis reports keyed by a digest of the
// input batch and options.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

// Config defines report cache configuration.
type Config struct {
	TTL       time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
	MaxSizeMB int           `yaml:"max_size_mb" json:"max_size_mb" mapstructure:"max_size_mb"`
	Shards    int           `yaml:"shards" json:"shards" mapstructure:"shards"`
}

// ReportCache stores serialized analysis reports. Re-analyzing an
// identical batch with identical options is a cache hit.
type ReportCache struct {
	logger *zap.Logger
	cache  *bigcache.BigCache
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewReportCache creates a report cache. Zero config fields fall back
// to defaults.
func NewReportCache(logger *zap.Logger, config Config) (*ReportCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TTL <= 0 {
		config.TTL = 15 * time.Minute
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 64
	}
	if config.Shards <= 0 {
		config.Shards = 64
	}

	store, err := bigcache.NewBigCache(bigcache.Config{
		Shards:             config.Shards,
		LifeWindow:         config.TTL,
		CleanWindow:        time.Minute,
		MaxEntriesInWindow: 1000,
		MaxEntrySize:       4096,
		HardMaxCacheSize:   config.MaxSizeMB,
		Verbose:            false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create report cache: %w", err)
	}

	logger = logger.Named("cache")
	logger.Info("Report cache initialized",
		zap.Duration("ttl", config.TTL),
		zap.Int("max_size_mb", config.MaxSizeMB),
	)
	return &ReportCache{
		logger: logger,
		cache:  store,
	}, nil
}

// Key digests a batch and its options into a stable cache key. Record
// order is part of the digest: reports depend on it.
func Key(records []logdata.Record, opts analytics.Options) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(opts)
	for _, rec := range records {
		_ = enc.Encode(rec)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached report, or false on a miss.
func (c *ReportCache) Get(key string) (*analytics.Report, bool) {
	data, err := c.cache.Get(key)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	var report analytics.Report
	if err := json.Unmarshal(data, &report); err != nil {
		c.misses.Add(1)
		c.logger.Warn("Dropping undecodable cache entry", zap.Error(err))
		_ = c.cache.Delete(key)
		return nil, false
	}
	c.hits.Add(1)
	return &report, true
}

// Set stores a report under key.
func (c *ReportCache) Set(key string, report *analytics.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := c.cache.Set(key, data); err != nil {
		return fmt.Errorf("cache report: %w", err)
	}
	return nil
}

// Stats reports hit and miss counters plus entry count.
func (c *ReportCache) Stats() map[string]interface{} {
	hits := c.hits.Load()
	misses := c.misses.Load()
	hitRate := float64(0)
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return map[string]interface{}{
		"hits":     hits,
		"misses":   misses,
		"hit_rate": hitRate,
		"entries":  c.cache.Len(),
	}
}

// Hits returns the hit counter.
func (c *ReportCache) Hits() uint64 { return c.hits.Load() }

// Misses returns the miss counter.
func (c *ReportCache) Misses() uint64 { return c.misses.Load() }

// Reset drops all cached reports and zeroes the counters.
func (c *ReportCache) Reset() error {
	c.hits.Store(0)
	c.misses.Store(0)
	return c.cache.Reset()
}

// Close releases the cache.
func (c *ReportCache) Close() error {
	return c.cache.Close()
}
