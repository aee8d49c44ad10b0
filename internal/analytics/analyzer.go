package analytics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

// Options configures an Analyzer. Zero values select the defaults.
type Options struct {
	// AnomalyThreshold is the z-score above which a record is flagged.
	AnomalyThreshold float64 `json:"anomaly_threshold"`

	// MinPatternCount is the number of matching records a term needs to
	// count as a pattern.
	MinPatternCount int `json:"min_pattern_count"`

	// NumClusters is the k of the message clustering.
	NumClusters int `json:"num_clusters"`

	// MaxIterations bounds the k-means refinement loop.
	MaxIterations int `json:"max_iterations"`

	// Seed pins cluster initialization; zero draws from the clock.
	Seed int64 `json:"seed,omitempty"`
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.AnomalyThreshold <= 0 {
		o.AnomalyThreshold = DefaultAnomalyThreshold
	}
	if o.MinPatternCount <= 0 {
		o.MinPatternCount = DefaultMinPatternCount
	}
	if o.NumClusters <= 0 {
		o.NumClusters = DefaultClusterCount
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	return o
}

// Report is the combined result of one analysis batch.
type Report struct {
	Anomalies   []Anomaly     `json:"anomalies"`
	Patterns    []Pattern     `json:"patterns"`
	Clusters    []Cluster     `json:"clusters"`
	RecordCount int           `json:"record_count"`
	GeneratedAt time.Time     `json:"generated_at"`
	Duration    time.Duration `json:"duration"`
}

// ModelStatus reports which sub-models hold trained state.
type ModelStatus struct {
	AnomalyTrained bool `json:"anomaly_trained"`
	PatternTrained bool `json:"pattern_trained"`
	ClusterTrained bool `json:"cluster_trained"`
}

// Analyzer bundles anomaly detection, pattern recognition and message
// clustering behind a single entry point. Sub-models train on the
// first batch they see and keep that state until Reset.
type Analyzer struct {
	logger    *zap.Logger
	anomalies *AnomalyDetector
	patterns  *PatternRecognizer
	clusters  *Clusterer

	mu      sync.RWMutex
	options Options
}

// NewAnalyzer creates an analyzer with the given options.
func NewAnalyzer(logger *zap.Logger, opts Options) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Analyzer{
		logger:    logger,
		options:   opts,
		anomalies: NewAnomalyDetector(logger, opts.AnomalyThreshold),
		patterns:  NewPatternRecognizer(logger, opts.MinPatternCount),
		clusters:  NewClusterer(logger, opts.NumClusters, opts.MaxIterations, opts.Seed),
	}
}

// Analyze runs the full pipeline over one batch: every sub-model that
// has not been trained yet trains on this batch first, then all three
// score it. Empty batches produce an empty report.
func (a *Analyzer) Analyze(records []logdata.Record) *Report {
	start := time.Now()

	if !a.anomalies.Trained() {
		a.anomalies.Train(records)
	}
	if !a.patterns.Trained() {
		a.patterns.Train(records)
	}
	if !a.clusters.Trained() {
		a.clusters.Train(records)
	}

	report := &Report{
		Anomalies:   a.anomalies.Detect(records),
		Patterns:    a.patterns.Recognize(records),
		Clusters:    a.clusters.Cluster(records),
		RecordCount: len(records),
		GeneratedAt: time.Now().UTC(),
	}
	report.Duration = time.Since(start)

	a.logger.Info("Log analysis complete",
		zap.Int("records", report.RecordCount),
		zap.Int("anomalies", len(report.Anomalies)),
		zap.Int("patterns", len(report.Patterns)),
		zap.Int("clusters", len(report.Clusters)),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// Train trains all three sub-models on the batch, replacing any
// existing state.
func (a *Analyzer) Train(records []logdata.Record) {
	a.anomalies.Train(records)
	a.patterns.Train(records)
	a.clusters.Train(records)
}

// TrainAnomalies trains only the anomaly baseline.
func (a *Analyzer) TrainAnomalies(records []logdata.Record) {
	a.anomalies.Train(records)
}

// DetectAnomalies scores a batch against the anomaly baseline.
func (a *Analyzer) DetectAnomalies(records []logdata.Record) []Anomaly {
	return a.anomalies.Detect(records)
}

// TrainPatterns trains only the pattern vocabulary.
func (a *Analyzer) TrainPatterns(records []logdata.Record) {
	a.patterns.Train(records)
}

// RecognizePatterns reports recurring terms in a batch.
func (a *Analyzer) RecognizePatterns(records []logdata.Record) []Pattern {
	return a.patterns.Recognize(records)
}

// TrainClusters trains only the clustering model.
func (a *Analyzer) TrainClusters(records []logdata.Record) {
	a.clusters.Train(records)
}

// AssignClusters groups a batch by the trained centroids.
func (a *Analyzer) AssignClusters(records []logdata.Record) []Cluster {
	return a.clusters.Cluster(records)
}

// Reset discards all trained state, so the next batch retrains every
// sub-model.
func (a *Analyzer) Reset() {
	a.anomalies.Reset()
	a.patterns.Reset()
	a.clusters.Reset()
	a.logger.Info("Analyzer models reset")
}

// Status reports the trained state of each sub-model.
func (a *Analyzer) Status() ModelStatus {
	return ModelStatus{
		AnomalyTrained: a.anomalies.Trained(),
		PatternTrained: a.patterns.Trained(),
		ClusterTrained: a.clusters.Trained(),
	}
}

// Options returns the effective configuration, defaults applied.
func (a *Analyzer) Options() Options {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.options
}

// SetThresholds applies new inference thresholds without touching
// trained state. Cluster shape is fixed at training time, so cluster
// options only change through a new Analyzer or a Reset-and-retrain.
func (a *Analyzer) SetThresholds(anomalyThreshold float64, minPatternCount int) {
	a.anomalies.SetThreshold(anomalyThreshold)
	a.patterns.SetMinCount(minPatternCount)

	a.mu.Lock()
	a.options.AnomalyThreshold = a.anomalies.Threshold()
	a.options.MinPatternCount = a.patterns.MinCount()
	a.mu.Unlock()

	a.logger.Info("Analysis thresholds updated",
		zap.Float64("anomaly_threshold", a.anomalies.Threshold()),
		zap.Int("min_pattern_count", a.patterns.MinCount()),
	)
}
