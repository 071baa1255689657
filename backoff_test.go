package dunlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noWindows(ctx context.Context, key WindowKey, start, end time.Time) ([]SuccessRateWindow, error) {
	return nil, nil
}

func staticWindows(success, failure int64) WindowQueryFunc {
	return func(ctx context.Context, key WindowKey, start, end time.Time) ([]SuccessRateWindow, error) {
		return []SuccessRateWindow{{SuccessCount: success, FailureCount: failure}}, nil
	}
}

func TestBackoffFixedDelay(t *testing.T) {
	calc := NewBackoffCalculator(DefaultAdaptiveThresholds())
	policy := RetryPolicy{
		AlgorithmType: AlgorithmFixed,
		BaseDelay:     30 * time.Second,
		MaxDelay:      30 * time.Second,
	}

	for retryCount := 0; retryCount < 10; retryCount++ {
		d, err := calc.NextRetryDelay(context.Background(), policy, retryCount, WindowKey{}, time.Now(), noWindows)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, d)
	}
}

func TestBackoffExponentialDelay(t *testing.T) {
	calc := NewBackoffCalculator(DefaultAdaptiveThresholds())
	policy := RetryPolicy{
		AlgorithmType: AlgorithmExponential,
		BaseDelay:     10 * time.Second,
		MaxDelay:      160 * time.Second,
	}

	expected := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		160 * time.Second,
	}
	for retryCount, want := range expected {
		d, err := calc.NextRetryDelay(context.Background(), policy, retryCount, WindowKey{}, time.Now(), noWindows)
		require.NoError(t, err)
		assert.Equal(t, want, d, "retryCount %d", retryCount)
	}
}

func TestBackoffExponentialMonotonic(t *testing.T) {
	calc := NewBackoffCalculator(DefaultAdaptiveThresholds())
	policy := RetryPolicy{
		AlgorithmType: AlgorithmExponential,
		BaseDelay:     time.Second,
		MaxDelay:      time.Hour,
	}

	var prev time.Duration
	for retryCount := 0; retryCount < 100; retryCount++ {
		d, err := calc.NextRetryDelay(context.Background(), policy, retryCount, WindowKey{}, time.Now(), noWindows)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, policy.MaxDelay)
		prev = d
	}
}

func TestBackoffAdaptive(t *testing.T) {
	calc := NewBackoffCalculator(DefaultAdaptiveThresholds())
	policy := RetryPolicy{
		AlgorithmType: AlgorithmSuccessRateAdaptive,
		BaseDelay:     10 * time.Second,
		MaxDelay:      10 * time.Minute,
		MinDelayFloor: 5 * time.Second,
	}

	t.Run("high success ratio accelerates to the floor", func(t *testing.T) {
		d, err := calc.NextRetryDelay(context.Background(), policy, 3, WindowKey{}, time.Now(), staticWindows(90, 10))
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, d)
	})

	t.Run("low success ratio backs off to the ceiling", func(t *testing.T) {
		d, err := calc.NextRetryDelay(context.Background(), policy, 3, WindowKey{}, time.Now(), staticWindows(10, 90))
		require.NoError(t, err)
		assert.Equal(t, 10*time.Minute, d)
	})

	t.Run("middle ratio stays exponential", func(t *testing.T) {
		d, err := calc.NextRetryDelay(context.Background(), policy, 3, WindowKey{}, time.Now(), staticWindows(60, 40))
		require.NoError(t, err)
		assert.Equal(t, 80*time.Second, d)
	})

	t.Run("no observations defaults optimistic", func(t *testing.T) {
		d, err := calc.NextRetryDelay(context.Background(), policy, 3, WindowKey{}, time.Now(), noWindows)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, d)
	})
}

func TestBackoffFirstRetryAlwaysBase(t *testing.T) {
	calc := NewBackoffCalculator(DefaultAdaptiveThresholds())
	for _, algo := range []AlgorithmType{AlgorithmFixed, AlgorithmExponential, AlgorithmSuccessRateAdaptive} {
		policy := RetryPolicy{
			AlgorithmType: algo,
			BaseDelay:     10 * time.Second,
			MaxDelay:      time.Minute,
		}
		d, err := calc.NextRetryDelay(context.Background(), policy, 0, WindowKey{}, time.Now(), staticWindows(0, 100))
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, d, "algorithm %s", algo)
	}
}

func TestBackoffUnknownAlgorithm(t *testing.T) {
	calc := NewBackoffCalculator(DefaultAdaptiveThresholds())
	policy := RetryPolicy{AlgorithmType: "Quadratic", BaseDelay: time.Second, MaxDelay: time.Minute}

	_, err := calc.NextRetryDelay(context.Background(), policy, 2, WindowKey{}, time.Now(), noWindows)
	require.ErrorIs(t, err, ErrBackoffCalculation)
}

func TestObservedRatio(t *testing.T) {
	assert.Equal(t, 1.0, observedRatio(nil))
	assert.Equal(t, 0.75, observedRatio([]SuccessRateWindow{
		{SuccessCount: 2, FailureCount: 1},
		{SuccessCount: 1, FailureCount: 0},
	}))
}
