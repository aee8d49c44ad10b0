package analytics

import (
	"math"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

// DefaultAnomalyThreshold is the z-score above which a record is
// flagged when no explicit threshold is configured.
const DefaultAnomalyThreshold = 3.0

// Anomaly is a record whose feature vector deviates from the trained
// baseline in at least one dimension.
type Anomaly struct {
	Record        logdata.Record     `json:"record"`
	Score         float64            `json:"anomaly_score"`
	FeatureValues map[string]float64 `json:"feature_values"`
}

// AnomalyDetector learns per-feature mean and standard deviation
// baselines from a training batch and flags records whose z-score
// exceeds the threshold in any feature.
type AnomalyDetector struct {
	logger    *zap.Logger
	threshold float64
	extractor Extractor

	mu      sync.RWMutex
	means   []float64
	stds    []float64
	trained bool
}

// NewAnomalyDetector creates a detector. A non-positive threshold
// selects DefaultAnomalyThreshold.
func NewAnomalyDetector(logger *zap.Logger, threshold float64) *AnomalyDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	return &AnomalyDetector{
		logger:    logger,
		threshold: threshold,
	}
}

// Train computes the per-feature baselines from the batch. An empty
// batch leaves the detector untrained; this is logged, not an error.
// A zero standard deviation is clamped to 1 so constant features never
// divide by zero.
func (d *AnomalyDetector) Train(records []logdata.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(records) == 0 {
		d.logger.Warn("Anomaly training skipped: no records")
		return
	}

	features := d.extractor.Matrix(records)
	rows, cols := features.Dims()

	means := make([]float64, cols)
	stds := make([]float64, cols)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, features)
		means[j] = stat.Mean(col, nil)
		sd := stat.PopStdDev(col, nil)
		if sd == 0 {
			sd = 1.0
		}
		stds[j] = sd
	}

	d.means = means
	d.stds = stds
	d.trained = true

	d.logger.Info("Anomaly baseline trained",
		zap.Int("records", rows),
		zap.Float64("threshold", d.threshold),
	)
}

// Detect scores each record against the trained baseline and returns
// the flagged ones in input order. Calling an untrained detector, or
// passing an empty batch, yields an empty result.
func (d *AnomalyDetector) Detect(records []logdata.Record) []Anomaly {
	d.mu.RLock()
	defer d.mu.RUnlock()

	anomalies := make([]Anomaly, 0)
	if !d.trained {
		d.logger.Warn("Anomaly detection skipped: detector not trained")
		return anomalies
	}
	if len(records) == 0 {
		return anomalies
	}

	names := FeatureNames()
	for _, rec := range records {
		vec := d.extractor.Vector(rec)

		maxZ := 0.0
		flagged := false
		for j, x := range vec {
			z := math.Abs(x-d.means[j]) / d.stds[j]
			if z > maxZ {
				maxZ = z
			}
			if z > d.threshold {
				flagged = true
			}
		}
		if !flagged {
			continue
		}

		values := make(map[string]float64, FeatureCount)
		for j, name := range names {
			values[name] = vec[j]
		}
		anomalies = append(anomalies, Anomaly{
			Record:        rec,
			Score:         maxZ,
			FeatureValues: values,
		})
	}
	return anomalies
}

// Trained reports whether baselines have been learned.
func (d *AnomalyDetector) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trained
}

// Threshold returns the configured z-score threshold.
func (d *AnomalyDetector) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// SetThreshold replaces the z-score threshold, e.g. on a config
// reload. A non-positive value selects DefaultAnomalyThreshold.
// Trained baselines are kept; only detection is affected.
func (d *AnomalyDetector) SetThreshold(threshold float64) {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

// Reset discards the trained baselines.
func (d *AnomalyDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.means = nil
	d.stds = nil
	d.trained = false
}
