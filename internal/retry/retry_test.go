package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/referral-distributor/internal/errors"
)

func fastConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithExponentialBackoff_SucceedsAfterRetryableErrors(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return apperrors.NewLedgerError("get_balances", errors.New("503"))
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.NoError(t, result.LastError)
}

func TestWithExponentialBackoff_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	inconsistent := apperrors.NewInconsistentStateError("AA", "no shares supply")
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return inconsistent
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, inconsistent, err)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cause := apperrors.NewLedgerError("get_joint", errors.New("timeout"))
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestWithExponentialBackoff_WaitsOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := &RetryConfig{MaxAttempts: 2, InitialDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 2, Clock: clock}

	done := make(chan *RetryResult, 1)
	go func() {
		done <- WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
			if attempt == 1 {
				return apperrors.NewFetchFailureError("rate", nil)
			}
			return nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case result := <-done:
		assert.True(t, result.Success)
		assert.Equal(t, 2, result.Attempts)
	case <-ctx.Done():
		t.Fatal("retry did not resume after the clock advanced")
	}
}

func TestCalculateDelay_Capped(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 2))
	assert.Equal(t, 3*time.Second, calculateDelay(cfg, 3))
}
