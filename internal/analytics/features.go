// Package analytics implements the batch log intelligence engine:
// numeric feature extraction, z-score anomaly detection, TF-IDF based
// pattern recognition and k-means message clustering.
package analytics

import (
	"strings"
	"time"
	"unicode/utf8"

	"gonum.org/v1/gonum/mat"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

// FeatureCount is the width of every extracted feature vector.
const FeatureCount = 13

// featureNames lists the feature columns in extraction order.
var featureNames = [FeatureCount]string{
	"hour",
	"minute",
	"second",
	"weekday",
	"message_length",
	"is_error",
	"is_warning",
	"is_critical",
	"has_error_text",
	"has_exception_text",
	"has_fail_text",
	"has_timeout_text",
	"newline_count",
}

// FeatureNames returns the feature column names in extraction order.
func FeatureNames() []string {
	names := make([]string, FeatureCount)
	copy(names, featureNames[:])
	return names
}

// Extractor converts log records into fixed-width numeric feature
// vectors. It is stateless and never fails: a zero timestamp is
// replaced by the current time, every other field maps to a number
// unconditionally.
type Extractor struct{}

// Vector extracts the 13 features of a single record.
func (Extractor) Vector(rec logdata.Record) []float64 {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	lower := strings.ToLower(rec.Message)

	v := make([]float64, FeatureCount)
	v[0] = float64(ts.Hour())
	v[1] = float64(ts.Minute())
	v[2] = float64(ts.Second())
	// Weekday numbering starts at Monday = 0.
	v[3] = float64((int(ts.Weekday()) + 6) % 7)
	v[4] = float64(utf8.RuneCountInString(rec.Message))
	v[5] = boolFeature(rec.Level == "ERROR")
	v[6] = boolFeature(rec.Level == "WARNING")
	v[7] = boolFeature(rec.Level == "CRITICAL")
	v[8] = boolFeature(strings.Contains(lower, "error"))
	v[9] = boolFeature(strings.Contains(lower, "exception"))
	v[10] = boolFeature(strings.Contains(lower, "fail"))
	v[11] = boolFeature(strings.Contains(lower, "timeout"))
	v[12] = float64(strings.Count(rec.Message, "\n"))
	return v
}

// Matrix extracts features for a batch of records into an N x 13
// matrix. Returns nil for an empty batch; callers treat the empty
// batch case before touching the matrix.
func (e Extractor) Matrix(records []logdata.Record) *mat.Dense {
	if len(records) == 0 {
		return nil
	}
	m := mat.NewDense(len(records), FeatureCount, nil)
	for i, rec := range records {
		m.SetRow(i, e.Vector(rec))
	}
	return m
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
