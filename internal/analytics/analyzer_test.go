package analytics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

var analyzerTestTime = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

// TestAnalyzerDefaults tests option defaulting
func TestAnalyzerDefaults(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(nil, Options{})
	opts := a.Options()

	assert.Equal(t, DefaultAnomalyThreshold, opts.AnomalyThreshold)
	assert.Equal(t, DefaultMinPatternCount, opts.MinPatternCount)
	assert.Equal(t, DefaultClusterCount, opts.NumClusters)
	assert.Equal(t, DefaultMaxIterations, opts.MaxIterations)
}

// TestAnalyzerEmptyBatch tests that an empty batch yields an empty
// report and trains nothing
func TestAnalyzerEmptyBatch(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(zap.NewNop(), Options{})
	report := a.Analyze(nil)

	require.NotNil(t, report)
	assert.Empty(t, report.Anomalies)
	assert.Empty(t, report.Patterns)
	assert.Empty(t, report.Clusters)
	assert.Zero(t, report.RecordCount)

	status := a.Status()
	assert.False(t, status.AnomalyTrained)
	assert.False(t, status.PatternTrained)
	assert.False(t, status.ClusterTrained)
}

// TestAnalyzerTrainsOnFirstUse tests the full pipeline over one batch
func TestAnalyzerTrainsOnFirstUse(t *testing.T) {
	t.Parallel()

	records := []logdata.Record{
		makeRec(analyzerTestTime, "INFO", "service heartbeat ok node 1"),
		makeRec(analyzerTestTime, "INFO", "service heartbeat ok node 2"),
		makeRec(analyzerTestTime, "INFO", "service heartbeat ok node 3"),
		makeRec(analyzerTestTime, "INFO", "service heartbeat ok node 4"),
		makeRec(analyzerTestTime, "WARNING", "queue depth rising on node 2"),
		makeRec(analyzerTestTime, "INFO", "service heartbeat ok node 5"),
	}

	a := NewAnalyzer(zap.NewNop(), Options{Seed: 11})
	report := a.Analyze(records)

	require.NotNil(t, report)
	assert.Equal(t, len(records), report.RecordCount)
	assert.False(t, report.GeneratedAt.IsZero())

	status := a.Status()
	assert.True(t, status.AnomalyTrained)
	assert.True(t, status.PatternTrained)
	assert.True(t, status.ClusterTrained)

	heartbeat := findPattern(report.Patterns, "heartbeat")
	require.NotNil(t, heartbeat)
	assert.Equal(t, 5, heartbeat.Count)

	total := 0
	for _, cl := range report.Clusters {
		total += cl.Size
	}
	assert.Equal(t, len(records), total)
}

// TestAnalyzerKeepsTrainedBaseline tests that Analyze does not retrain
// an already trained sub-model
func TestAnalyzerKeepsTrainedBaseline(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(zap.NewNop(), Options{Seed: 5})

	baseline := make([]logdata.Record, 10)
	for i := range baseline {
		baseline[i] = makeRec(analyzerTestTime, "INFO", strings.Repeat("a", 20))
	}
	a.TrainAnomalies(baseline)

	batch := []logdata.Record{
		makeRec(analyzerTestTime, "INFO", strings.Repeat("a", 20)),
		makeRec(analyzerTestTime, "INFO", strings.Repeat("a", 20)),
		makeRec(analyzerTestTime, "INFO", strings.Repeat("a", 20)),
		makeRec(analyzerTestTime, "INFO", strings.Repeat("a", 20)),
		makeRec(analyzerTestTime, "INFO", strings.Repeat("a", 200)),
	}

	// Against the constant baseline the long message scores z = 180;
	// had the batch retrained the detector it would score only 2.
	report := a.Analyze(batch)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, batch[4].Message, report.Anomalies[0].Record.Message)

	// After a reset the same batch becomes its own baseline and the
	// long message no longer clears the default threshold.
	a.Reset()
	status := a.Status()
	assert.False(t, status.AnomalyTrained)

	report = a.Analyze(batch)
	assert.Empty(t, report.Anomalies)
}

// TestAnalyzerSetThresholds tests live threshold updates without
// retraining
func TestAnalyzerSetThresholds(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(zap.NewNop(), Options{Seed: 3})

	baseline := make([]logdata.Record, 10)
	for i := range baseline {
		baseline[i] = makeRec(analyzerTestTime, "INFO", strings.Repeat("a", 20))
	}
	a.TrainAnomalies(baseline)
	a.TrainPatterns(patternRecords("cache miss burst", "cache warm done", "noop"))

	probe := []logdata.Record{
		makeRec(analyzerTestTime, "INFO", strings.Repeat("a", 22)),
	}
	batch := patternRecords("cache stampede", "cache rebuilt")

	// Length 22 deviates by z = 2 from the constant baseline: under
	// the default threshold of 3 nothing is flagged, and two cache
	// rows stay below the default pattern count of 3.
	assert.Empty(t, a.DetectAnomalies(probe))
	assert.Nil(t, findPattern(a.RecognizePatterns(batch), "cache"))

	a.SetThresholds(1.5, 2)

	anomalies := a.DetectAnomalies(probe)
	require.Len(t, anomalies, 1)
	assert.InDelta(t, 2.0, anomalies[0].Score, 1e-9)

	cache := findPattern(a.RecognizePatterns(batch), "cache")
	require.NotNil(t, cache)
	assert.Equal(t, 2, cache.Count)

	opts := a.Options()
	assert.Equal(t, 1.5, opts.AnomalyThreshold)
	assert.Equal(t, 2, opts.MinPatternCount)

	// Trained state is untouched, and non-positive values fall back
	// to the defaults.
	assert.True(t, a.Status().AnomalyTrained)
	a.SetThresholds(0, 0)
	opts = a.Options()
	assert.Equal(t, DefaultAnomalyThreshold, opts.AnomalyThreshold)
	assert.Equal(t, DefaultMinPatternCount, opts.MinPatternCount)
}

// TestAnalyzerPassThroughs tests the individual sub-model surfaces
func TestAnalyzerPassThroughs(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer(zap.NewNop(), Options{MinPatternCount: 2, Seed: 17})

	// Untrained pass-throughs are safe no-ops.
	assert.Empty(t, a.DetectAnomalies(patternRecords("x")))
	assert.Empty(t, a.RecognizePatterns(patternRecords("x")))
	assert.Empty(t, a.AssignClusters(patternRecords("x")))

	a.TrainPatterns(patternRecords("disk full on host", "disk nearly full"))
	patterns := a.RecognizePatterns(patternRecords("disk io stalled", "disk queue long"))

	disk := findPattern(patterns, "disk")
	require.NotNil(t, disk)
	assert.Equal(t, 2, disk.Count)

	// Training patterns must not touch the other models.
	status := a.Status()
	assert.True(t, status.PatternTrained)
	assert.False(t, status.AnomalyTrained)
	assert.False(t, status.ClusterTrained)
}
