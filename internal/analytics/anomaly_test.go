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

var anomalyTestTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// TestAnomalyDetectorUntrained tests that detection without training is
// a safe no-op
func TestAnomalyDetectorUntrained(t *testing.T) {
	t.Parallel()

	d := NewAnomalyDetector(zap.NewNop(), 0)
	assert.False(t, d.Trained())

	got := d.Detect([]logdata.Record{makeRec(anomalyTestTime, "ERROR", "boom")})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

// TestAnomalyDetectorEmptyTrain tests that an empty batch leaves the
// detector untrained
func TestAnomalyDetectorEmptyTrain(t *testing.T) {
	t.Parallel()

	d := NewAnomalyDetector(zap.NewNop(), 0)
	d.Train(nil)
	assert.False(t, d.Trained())

	d.Train([]logdata.Record{})
	assert.False(t, d.Trained())
}

// TestAnomalyDetectorDefaults tests threshold defaulting
func TestAnomalyDetectorDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultAnomalyThreshold, NewAnomalyDetector(nil, 0).Threshold())
	assert.Equal(t, 1.5, NewAnomalyDetector(nil, 1.5).Threshold())
}

// TestAnomalyDetectorFlagsCriticalOutlier tests that a single severe
// outlier in a routine batch is the only record flagged
func TestAnomalyDetectorFlagsCriticalOutlier(t *testing.T) {
	t.Parallel()

	records := make([]logdata.Record, 0, 10)
	for i := 0; i < 9; i++ {
		// 30 runes, routine severity.
		records = append(records, makeRec(anomalyTestTime, "INFO", "Request processed successfully"))
	}
	// 300 runes, critical severity, exception text.
	outlier := makeRec(anomalyTestTime, "CRITICAL", "Exception occurred: "+strings.Repeat("x", 280))
	records = append(records, outlier)

	d := NewAnomalyDetector(zap.NewNop(), 1.0)
	d.Train(records)
	require.True(t, d.Trained())

	got := d.Detect(records)
	require.Len(t, got, 1)

	assert.Equal(t, "CRITICAL", got[0].Record.Level)
	assert.Equal(t, outlier.Message, got[0].Record.Message)
	assert.InDelta(t, 3.0, got[0].Score, 1e-9)
	assert.Equal(t, 300.0, got[0].FeatureValues["message_length"])
	assert.Equal(t, 1.0, got[0].FeatureValues["is_critical"])
	assert.Equal(t, 1.0, got[0].FeatureValues["has_exception_text"])
}

// TestAnomalyDetectorThresholdMonotonic tests that raising the
// threshold never flags new records
func TestAnomalyDetectorThresholdMonotonic(t *testing.T) {
	t.Parallel()

	records := []logdata.Record{
		makeRec(anomalyTestTime, "INFO", strings.Repeat("a", 10)),
		makeRec(anomalyTestTime, "INFO", strings.Repeat("b", 10)),
		makeRec(anomalyTestTime, "INFO", strings.Repeat("c", 10)),
		makeRec(anomalyTestTime, "INFO", strings.Repeat("d", 10)),
		makeRec(anomalyTestTime, "INFO", strings.Repeat("e", 14)),
		makeRec(anomalyTestTime, "WARNING", strings.Repeat("f", 40)),
		makeRec(anomalyTestTime, "ERROR", strings.Repeat("g", 150)),
	}

	flaggedAt := func(threshold float64) map[string]bool {
		d := NewAnomalyDetector(zap.NewNop(), threshold)
		d.Train(records)
		set := make(map[string]bool)
		for _, a := range d.Detect(records) {
			set[a.Record.Message] = true
		}
		return set
	}

	low := flaggedAt(0.5)
	mid := flaggedAt(1.5)
	high := flaggedAt(3.0)

	assert.GreaterOrEqual(t, len(low), len(mid))
	assert.GreaterOrEqual(t, len(mid), len(high))
	for msg := range mid {
		assert.True(t, low[msg], "record flagged at 1.5 missing at 0.5: %q", msg)
	}
	for msg := range high {
		assert.True(t, mid[msg], "record flagged at 3.0 missing at 1.5: %q", msg)
	}
}

// TestAnomalyDetectorStdClamp tests the zero-deviation clamp on a
// constant training batch
func TestAnomalyDetectorStdClamp(t *testing.T) {
	t.Parallel()

	training := make([]logdata.Record, 5)
	for i := range training {
		training[i] = makeRec(anomalyTestTime, "INFO", strings.Repeat("a", 10))
	}

	d := NewAnomalyDetector(zap.NewNop(), 0)
	d.Train(training)

	// Every feature is constant, so every deviation is clamped to 1 and
	// the z-score equals the raw distance from the mean.
	got := d.Detect([]logdata.Record{makeRec(anomalyTestTime, "INFO", strings.Repeat("a", 14))})
	require.Len(t, got, 1)
	assert.InDelta(t, 4.0, got[0].Score, 1e-12)
}

// TestAnomalyDetectorOrderAndDeterminism tests result ordering and
// repeatability
func TestAnomalyDetectorOrderAndDeterminism(t *testing.T) {
	t.Parallel()

	training := make([]logdata.Record, 8)
	for i := range training {
		training[i] = makeRec(anomalyTestTime, "INFO", strings.Repeat("a", 10))
	}

	d := NewAnomalyDetector(zap.NewNop(), 0)
	d.Train(training)

	batch := []logdata.Record{
		makeRec(anomalyTestTime, "INFO", strings.Repeat("a", 10)),
		makeRec(anomalyTestTime, "INFO", strings.Repeat("a", 10)),
		makeRec(anomalyTestTime, "INFO", strings.Repeat("b", 100)),
		makeRec(anomalyTestTime, "INFO", strings.Repeat("a", 10)),
		makeRec(anomalyTestTime, "INFO", strings.Repeat("c", 50)),
	}

	first := d.Detect(batch)
	require.Len(t, first, 2)
	assert.Equal(t, batch[2].Message, first[0].Record.Message)
	assert.Equal(t, batch[4].Message, first[1].Record.Message)

	second := d.Detect(batch)
	assert.Equal(t, first, second)
}

// TestAnomalyDetectorReset tests dropping trained state
func TestAnomalyDetectorReset(t *testing.T) {
	t.Parallel()

	d := NewAnomalyDetector(zap.NewNop(), 0)
	d.Train([]logdata.Record{makeRec(anomalyTestTime, "INFO", "hello world")})
	require.True(t, d.Trained())

	d.Reset()
	assert.False(t, d.Trained())
	assert.Empty(t, d.Detect([]logdata.Record{makeRec(anomalyTestTime, "INFO", "hello world")}))
}
