package dunlite

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrBackoffCalculation = errors.New("failed to calculate next retry delay")

// AdaptiveThresholds configure the SuccessRateAdaptive algorithm. The exact
// numbers are deployment policy, not engine behavior, so they live here and
// not in constants.
type AdaptiveThresholds struct {
	// HighConfidenceRatio and above: conditions look favorable, retry
	// sooner, down to the policy floor.
	HighConfidenceRatio float64
	// LowConfidenceRatio and below: likely failures, back off to the
	// exponential ceiling instead of burning budget.
	LowConfidenceRatio float64
	// Lookback is the trailing range queried from the window store.
	Lookback time.Duration
}

func DefaultAdaptiveThresholds() AdaptiveThresholds {
	return AdaptiveThresholds{
		HighConfidenceRatio: 0.85,
		LowConfidenceRatio:  0.40,
		Lookback:            24 * time.Hour,
	}
}

// WindowQueryFunc is how the calculator reads success-rate buckets. Keeping
// it a parameter keeps NextRetryDelay a pure function of its inputs.
type WindowQueryFunc func(ctx context.Context, key WindowKey, start, end time.Time) ([]SuccessRateWindow, error)

type BackoffCalculator struct {
	thresholds AdaptiveThresholds
}

func NewBackoffCalculator(thresholds AdaptiveThresholds) *BackoffCalculator {
	return &BackoffCalculator{thresholds: thresholds}
}

// NextRetryDelay computes the delay before retry number retryCount+1.
// retryCount 0 always returns the base delay: one data point is not enough
// to accelerate or punish.
func (c *BackoffCalculator) NextRetryDelay(
	ctx context.Context,
	policy RetryPolicy,
	retryCount int,
	key WindowKey,
	now time.Time,
	query WindowQueryFunc,
) (time.Duration, error) {
	if retryCount <= 0 {
		return policy.BaseDelay, nil
	}

	switch policy.AlgorithmType {
	case AlgorithmFixed:
		return policy.BaseDelay, nil
	case AlgorithmExponential:
		return exponentialDelay(policy.BaseDelay, policy.MaxDelay, retryCount), nil
	case AlgorithmSuccessRateAdaptive:
		windows, err := query(ctx, key, now.Add(-c.thresholds.Lookback), now)
		if err != nil {
			return 0, errors.Join(ErrBackoffCalculation, fmt.Errorf("window query: %w", err))
		}
		return c.adaptiveDelay(policy, retryCount, observedRatio(windows)), nil
	default:
		return 0, errors.Join(ErrBackoffCalculation, fmt.Errorf("unknown algorithm %q", policy.AlgorithmType))
	}
}

func (c *BackoffCalculator) adaptiveDelay(policy RetryPolicy, retryCount int, ratio float64) time.Duration {
	exp := exponentialDelay(policy.BaseDelay, policy.MaxDelay, retryCount)
	switch {
	case ratio >= c.thresholds.HighConfidenceRatio:
		return policy.floor()
	case ratio <= c.thresholds.LowConfidenceRatio:
		return policy.MaxDelay
	default:
		// ties resolve toward the plain exponential value
		return exp
	}
}

// exponentialDelay is min(base * 2^retryCount, max), monotonically
// non-decreasing in retryCount.
func exponentialDelay(base, max time.Duration, retryCount int) time.Duration {
	if retryCount <= 0 || base <= 0 {
		return base
	}
	if retryCount > 62 {
		return max
	}
	d := base << uint(retryCount)
	// shift overflow shows up as a sign flip or a shrink
	if d < base || d > max {
		return max
	}
	return d
}

// observedRatio is the rolling success ratio over the queried buckets, 1.0
// when there are no observations (optimistic default).
func observedRatio(windows []SuccessRateWindow) float64 {
	var success, total int64
	for _, w := range windows {
		success += w.SuccessCount
		total += w.SuccessCount + w.FailureCount
	}
	if total == 0 {
		return 1.0
	}
	return float64(success) / float64(total)
}
