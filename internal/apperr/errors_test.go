package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{0, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := Classify("openai", tt.status, errors.New("boom"))
			assert.Equal(t, tt.transient, errors.Is(err, ErrTransient))
			assert.Equal(t, !tt.transient, errors.Is(err, ErrPersistent))

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "openai", pe.Provider)
		})
	}
}

func TestPathEscapeIsValidation(t *testing.T) {
	assert.ErrorIs(t, fmt.Errorf("storage: %w", ErrPathEscape), ErrValidation)
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return Classify("x", 503, errors.New("unavailable"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_PersistentNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		return Classify("x", 401, errors.New("bad key"))
	})
	require.ErrorIs(t, err, ErrPersistent)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, func(context.Context) error {
		calls++
		return Classify("x", 0, errors.New("connection reset"))
	})
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 4, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second}, func(context.Context) error {
		return Classify("x", 500, errors.New("oops"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}
