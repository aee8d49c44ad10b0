package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
	apperrors "github.com/shizukutanaka/Kiroku/internal/errors"
	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	// A single connection keeps the in-memory database alive for the
	// whole test.
	store, err := Open(zap.NewNop(), Config{
		Driver:       "sqlite3",
		DSN:          ":memory:",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestOpenRejectsUnknownDriver validates the driver name up front.
func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(zap.NewNop(), Config{Driver: "oracle", DSN: "dummy"})
	assert.Error(t, err)
}

// TestSaveAndQueryEntries round-trips records through the entries
// table and exercises the filters.
func TestSaveAndQueryEntries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	records := []logdata.Record{
		{Timestamp: base, Level: "INFO", Logger: "api", Message: "request completed"},
		{Timestamp: base.Add(time.Minute), Level: "ERROR", Logger: "db", Message: "connection refused",
			Fields: map[string]string{"host": "db-1"}},
		{Timestamp: base.Add(2 * time.Minute), Level: "ERROR", Logger: "db", Message: "query timeout"},
	}
	require.NoError(t, store.SaveEntries(ctx, records))

	count, err := store.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	all, err := store.QueryEntries(ctx, EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.Equal(base))
	assert.Equal(t, "request completed", all[0].Message)
	assert.Equal(t, map[string]string{"host": "db-1"}, all[1].Fields)

	errorsOnly, err := store.QueryEntries(ctx, EntryFilter{Level: "ERROR"})
	require.NoError(t, err)
	require.Len(t, errorsOnly, 2)
	assert.Equal(t, "connection refused", errorsOnly[0].Message)

	timeouts, err := store.QueryEntries(ctx, EntryFilter{Contains: "timeout"})
	require.NoError(t, err)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "query timeout", timeouts[0].Message)

	later, err := store.QueryEntries(ctx, EntryFilter{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, later, 2)

	limited, err := store.QueryEntries(ctx, EntryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "request completed", limited[0].Message)
}

// TestQueryEntriesEmpty returns an empty, non-nil slice for an empty
// table.
func TestQueryEntriesEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	records, err := store.QueryEntries(context.Background(), EntryFilter{})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

// TestWithTxRollsBack discards all writes when the callback fails.
func TestWithTxRollsBack(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO log_entries (ts, level, logger, message) VALUES (?, '', '', 'doomed')`,
			time.Now().UTC()); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	count, err := store.CountEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// TestSaveAndGetRun persists an analysis run with its report payload.
func TestSaveAndGetRun(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	report := &analytics.Report{
		Patterns:    []analytics.Pattern{{Term: "timeout", Count: 3}},
		RecordCount: 5,
		GeneratedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		Duration:    42 * time.Millisecond,
	}
	run, err := NewRun(report)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, 5, run.RecordCount)
	assert.Equal(t, 1, run.PatternCount)
	assert.Zero(t, run.AnomalyCount)

	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, 42*time.Millisecond, got.Duration)
	assert.Equal(t, 1, got.PatternCount)
	assert.Contains(t, string(got.Report), `"timeout"`)

	_, err = store.GetRun(ctx, "no-such-run")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// TestListRuns orders summaries newest first and applies the limit.
func TestListRuns(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		report := &analytics.Report{
			RecordCount: i + 1,
			GeneratedAt: base.Add(time.Duration(i) * time.Hour),
			Duration:    time.Millisecond,
		}
		run, err := NewRun(report)
		require.NoError(t, err)
		require.NoError(t, store.SaveRun(ctx, run))
	}

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 3, runs[0].RecordCount)
	assert.Equal(t, 1, runs[2].RecordCount)
	assert.Empty(t, runs[0].Report)

	limited, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
