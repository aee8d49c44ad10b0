package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/logdata"
)

var patternTestTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func patternRecords(msgs ...string) []logdata.Record {
	records := make([]logdata.Record, len(msgs))
	for i, msg := range msgs {
		records[i] = makeRec(patternTestTime, "INFO", msg)
	}
	return records
}

func findPattern(patterns []Pattern, term string) *Pattern {
	for i := range patterns {
		if patterns[i].Term == term {
			return &patterns[i]
		}
	}
	return nil
}

// TestPatternRecognizerUntrained tests the untrained no-op path
func TestPatternRecognizerUntrained(t *testing.T) {
	t.Parallel()

	p := NewPatternRecognizer(zap.NewNop(), 0)
	assert.False(t, p.Trained())

	got := p.Recognize(patternRecords("anything at all"))
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

// TestPatternRecognizerEmptyTrain tests that an empty batch leaves the
// recognizer untrained
func TestPatternRecognizerEmptyTrain(t *testing.T) {
	t.Parallel()

	p := NewPatternRecognizer(zap.NewNop(), 0)
	p.Train(nil)
	assert.False(t, p.Trained())
	assert.Empty(t, p.Recognize(patternRecords("x")))
}

// TestPatternRecognizerRecurringTerm tests that a term shared by three
// messages is reported with its exact match count
func TestPatternRecognizerRecurringTerm(t *testing.T) {
	t.Parallel()

	records := patternRecords(
		"Connection timeout to database",
		"Read timeout on socket",
		"timeout waiting for lock",
		"user login ok",
		"cache refreshed",
	)

	p := NewPatternRecognizer(zap.NewNop(), 2)
	p.Train(records)
	require.True(t, p.Trained())

	patterns := p.Recognize(records)
	require.NotEmpty(t, patterns)

	timeout := findPattern(patterns, "timeout")
	require.NotNil(t, timeout)
	assert.Equal(t, 3, timeout.Count)
	require.Len(t, timeout.Examples, 3)
	assert.Equal(t, records[0].Message, timeout.Examples[0].Message)
	assert.Equal(t, records[1].Message, timeout.Examples[1].Message)
	assert.Equal(t, records[2].Message, timeout.Examples[2].Message)

	// Terms below the minimum never surface.
	assert.Nil(t, findPattern(patterns, "login"))
	assert.Nil(t, findPattern(patterns, "cache"))
}

// TestPatternRecognizerExampleCap tests the five-example limit
func TestPatternRecognizerExampleCap(t *testing.T) {
	t.Parallel()

	records := patternRecords(
		"cache miss 1",
		"cache miss 2",
		"cache miss 3",
		"cache miss 4",
		"cache miss 5",
		"cache miss 6",
		"cache miss 7",
	)

	p := NewPatternRecognizer(zap.NewNop(), 0)
	p.Train(records)

	patterns := p.Recognize(records)
	require.Len(t, patterns, 2)

	// Equal counts keep vocabulary order: cache before miss.
	assert.Equal(t, "cache", patterns[0].Term)
	assert.Equal(t, "miss", patterns[1].Term)
	assert.Equal(t, 7, patterns[0].Count)

	require.Len(t, patterns[0].Examples, maxPatternExamples)
	for i := 0; i < maxPatternExamples; i++ {
		assert.Equal(t, records[i].Message, patterns[0].Examples[i].Message)
	}
}

// TestPatternRecognizerSortsByCount tests descending count order
func TestPatternRecognizerSortsByCount(t *testing.T) {
	t.Parallel()

	records := patternRecords(
		"alpha one",
		"alpha two",
		"alpha three",
		"alpha four",
		"beta one",
		"beta two",
		"beta three",
	)

	p := NewPatternRecognizer(zap.NewNop(), 3)
	p.Train(records)

	patterns := p.Recognize(records)
	require.Len(t, patterns, 2)
	assert.Equal(t, "alpha", patterns[0].Term)
	assert.Equal(t, 4, patterns[0].Count)
	assert.Equal(t, "beta", patterns[1].Term)
	assert.Equal(t, 3, patterns[1].Count)
}

// TestPatternRecognizerIgnoresUnknownTokens tests inference against a
// fixed vocabulary
func TestPatternRecognizerIgnoresUnknownTokens(t *testing.T) {
	t.Parallel()

	p := NewPatternRecognizer(zap.NewNop(), 3)
	p.Train(patternRecords("database up", "database down", "database ready"))

	patterns := p.Recognize(patternRecords(
		"database timeout",
		"database restart",
		"database flush",
	))

	require.Len(t, patterns, 1)
	assert.Equal(t, "database", patterns[0].Term)
	assert.Equal(t, 3, patterns[0].Count)
}

// TestPatternRecognizerReset tests dropping the vocabulary
func TestPatternRecognizerReset(t *testing.T) {
	t.Parallel()

	p := NewPatternRecognizer(zap.NewNop(), 0)
	p.Train(patternRecords("a b c"))
	require.True(t, p.Trained())

	p.Reset()
	assert.False(t, p.Trained())
}
