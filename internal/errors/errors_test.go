package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSentinelMatching(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("get run: %w", ErrNotFound)
	assert.True(t, stderrors.Is(wrapped, ErrNotFound))
	assert.False(t, stderrors.Is(wrapped, ErrForbidden))

	// A copy carrying a cause still matches its sentinel by code.
	cause := stderrors.New("dial tcp 127.0.0.1:5432: connection refused")
	copied := ErrStorageConnection.WithError(cause)
	assert.True(t, stderrors.Is(copied, ErrStorageConnection))
	assert.True(t, stderrors.Is(copied, cause))
}

func TestWithErrorLeavesSentinelUntouched(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("boom")
	copied := ErrInvalidInput.WithError(cause)

	require.NotSame(t, ErrInvalidInput, copied)
	assert.Nil(t, ErrInvalidInput.Unwrap())
	assert.Equal(t, cause, copied.Unwrap())
}

func TestAppErrorFormat(t *testing.T) {
	t.Parallel()

	err := NewError(ErrorTypeAnalysis, SeverityMedium, "EMPTY_BATCH", "no records to analyze")
	assert.Equal(t, "EMPTY_BATCH: no records to analyze", err.Error())

	withCause := err.WithError(stderrors.New("zero rows"))
	assert.Equal(t, "EMPTY_BATCH: no records to analyze: zero rows", withCause.Error())

	withDetails := err.WithDetails(map[string]int{"records": 0})
	assert.Equal(t, map[string]int{"records": 0}, withDetails.Details)
	assert.Nil(t, err.Details)
}

func TestSafeRecover(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		defer SafeRecover(zap.NewNop(), "test operation")
		panic("boom")
	})
}
