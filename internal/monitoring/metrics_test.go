package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
)

// TestRecordRun updates the run counter and last-run gauges.
func TestRecordRun(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Config{})
	report := &analytics.Report{
		Anomalies:   []analytics.Anomaly{{Score: 4.2}},
		Patterns:    []analytics.Pattern{{Term: "timeout", Count: 3}, {Term: "refused", Count: 3}},
		Clusters:    []analytics.Cluster{{ID: 0, Size: 5}},
		RecordCount: 9,
		Duration:    120 * time.Millisecond,
	}

	m.RecordRun(report)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal))
	assert.Equal(t, float64(9), testutil.ToFloat64(m.lastRunRecords))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.lastRunAnomalies))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.lastRunPatterns))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.lastRunClusters))
	assert.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

// TestRecordHTTPRequest counts requests by method, path, and status.
func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Config{})
	m.RecordHTTPRequest("GET", "/api/v1/health", 200, 5*time.Millisecond)
	m.RecordHTTPRequest("GET", "/api/v1/health", 200, 3*time.Millisecond)
	m.RecordHTTPRequest("POST", "/api/v1/analyze", 500, 20*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/health", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/v1/analyze", "500")))
}

// TestIngestAndCacheCounters exercises the remaining counters.
func TestIngestAndCacheCounters(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Config{})
	m.RecordIngestedEntries("file", 100)
	m.RecordIngestedEntries("api", 7)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheMiss()

	assert.Equal(t, float64(100), testutil.ToFloat64(m.entriesIngested.WithLabelValues("file")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.entriesIngested.WithLabelValues("api")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.cacheMisses))
}

// TestSyncRedactions verifies that cumulative masker totals only add
// their delta on repeated syncs.
func TestSyncRedactions(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Config{})
	m.SyncRedactions(map[string]uint64{"password": 3, "api_key": 1})
	m.SyncRedactions(map[string]uint64{"password": 5, "api_key": 1})

	assert.Equal(t, float64(5), testutil.ToFloat64(m.redactions.WithLabelValues("password")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.redactions.WithLabelValues("api_key")))
}

// TestHandlerExposition serves the registered metrics over HTTP.
func TestHandlerExposition(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Config{})
	m.RecordRun(&analytics.Report{RecordCount: 1})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "kiroku_analysis_runs_total 1")
}

// TestSampleSystem fills the host gauges without blocking.
func TestSampleSystem(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop(), Config{})
	m.sampleSystem(0)

	assert.Greater(t, testutil.ToFloat64(m.goroutines), float64(0))
}
