package logdata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseTimestamp tests timestamp parsing across accepted layouts
func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "rfc3339 with Z",
			input: "2025-01-15T10:30:00Z",
			want:  time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			name:  "rfc3339 with offset",
			input: "2025-01-15T10:30:00+02:00",
			want:  time.Date(2025, 1, 15, 10, 30, 0, 0, time.FixedZone("", 2*3600)),
		},
		{
			name:  "fractional seconds with Z",
			input: "2025-01-15T10:30:00.123456Z",
			want:  time.Date(2025, 1, 15, 10, 30, 0, 123456000, time.UTC),
		},
		{
			name:  "no zone",
			input: "2025-01-15T10:30:00",
			want:  time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			name:  "space separated",
			input: "2025-01-15 10:30:00",
			want:  time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			name:  "compact offset",
			input: "2025-01-15T10:30:00+0200",
			want:  time.Date(2025, 1, 15, 10, 30, 0, 0, time.FixedZone("", 2*3600)),
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "garbage",
			input:   "not-a-timestamp",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTimestamp(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

// TestCanonicalLevel tests severity alias resolution
func TestCanonicalLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"error", "ERROR"},
		{"ERROR", "ERROR"},
		{"warn", "WARNING"},
		{"WARNING", "WARNING"},
		{"fatal", "CRITICAL"},
		{"panic", "CRITICAL"},
		{"crit", "CRITICAL"},
		{"info", "INFO"},
		{" debug ", "DEBUG"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalLevel(tt.input), "input %q", tt.input)
	}
}

// TestRecordUnmarshalJSON tests tolerant record decoding
func TestRecordUnmarshalJSON(t *testing.T) {
	t.Parallel()

	t.Run("canonical keys", func(t *testing.T) {
		var rec Record
		data := `{"timestamp":"2025-03-01T08:00:00Z","level":"ERROR","logger":"db","message":"connection refused"}`
		require.NoError(t, json.Unmarshal([]byte(data), &rec))

		assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), rec.Timestamp.UTC())
		assert.Equal(t, "ERROR", rec.Level)
		assert.Equal(t, "db", rec.Logger)
		assert.Equal(t, "connection refused", rec.Message)
	})

	t.Run("zap production keys", func(t *testing.T) {
		var rec Record
		data := `{"ts":1741852800.5,"level":"warn","logger":"api","msg":"slow request"}`
		require.NoError(t, json.Unmarshal([]byte(data), &rec))

		assert.Equal(t, "slow request", rec.Message)
		assert.Equal(t, "warn", rec.Level)
		assert.False(t, rec.Timestamp.IsZero())
		assert.Equal(t, int64(1741852800), rec.Timestamp.Unix())
	})

	t.Run("bad timestamp leaves zero", func(t *testing.T) {
		var rec Record
		data := `{"timestamp":"soon","level":"INFO","message":"hello"}`
		require.NoError(t, json.Unmarshal([]byte(data), &rec))

		assert.True(t, rec.Timestamp.IsZero())
		assert.Equal(t, "hello", rec.Message)
	})

	t.Run("missing fields", func(t *testing.T) {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(`{}`), &rec))

		assert.True(t, rec.Timestamp.IsZero())
		assert.Empty(t, rec.Level)
		assert.Empty(t, rec.Message)
	})
}

// TestRecordNormalize tests that Normalize copies rather than mutates
func TestRecordNormalize(t *testing.T) {
	t.Parallel()

	rec := Record{Level: "warn", Message: "disk almost full"}
	norm := rec.Normalize()

	assert.Equal(t, "WARNING", norm.Level)
	assert.Equal(t, "warn", rec.Level)
	assert.Equal(t, rec.Message, norm.Message)
}
