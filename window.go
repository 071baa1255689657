package dunlite

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultWindowWidth is the fixed bucket width. Buckets per key are
	// contiguous, non-overlapping and aligned to the epoch.
	DefaultWindowWidth = time.Hour

	// DefaultSkewHorizon is how far into the future an outcome timestamp
	// may lie before recording is refused.
	DefaultSkewHorizon = 5 * time.Minute
)

var ErrWindowRecord = errors.New("failed to record outcome")

// WindowStore aggregates success/failure outcomes into fixed time buckets
// per routing dimension. It owns no counters itself; the per-bucket
// atomicity lives in the Database increment.
type WindowStore struct {
	db          Database
	width       time.Duration
	skewHorizon time.Duration
	clock       func() time.Time
}

func NewWindowStore(db Database, width, skewHorizon time.Duration, clock func() time.Time) *WindowStore {
	if width <= 0 {
		width = DefaultWindowWidth
	}
	if skewHorizon <= 0 {
		skewHorizon = DefaultSkewHorizon
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &WindowStore{db: db, width: width, skewHorizon: skewHorizon, clock: clock}
}

// Record appends exactly one increment to the bucket covering at. A
// timestamp beyond the skew horizon is rejected rather than silently
// counted into a future bucket nobody queries yet.
func (s *WindowStore) Record(ctx context.Context, key WindowKey, at time.Time, outcome Outcome) error {
	if at.After(s.clock().Add(s.skewHorizon)) {
		return errors.Join(ErrWindowRecord, ErrClockSkewRejected)
	}
	start := at.UTC().Truncate(s.width)
	if err := s.db.IncrementWindow(ctx, key, start, start.Add(s.width), outcome); err != nil {
		return errors.Join(ErrWindowRecord, fmt.Errorf("bucket %v: %w", start, err))
	}
	return nil
}

// Query returns all buckets intersecting [start, end), ordered by
// WindowStart ascending.
func (s *WindowStore) Query(ctx context.Context, key WindowKey, start, end time.Time) ([]SuccessRateWindow, error) {
	return s.db.QueryWindows(ctx, key, start, end)
}

// SuccessRatio computes the rolling success ratio over [start, end), 1.0
// when nothing was observed.
func (s *WindowStore) SuccessRatio(ctx context.Context, key WindowKey, start, end time.Time) (float64, error) {
	windows, err := s.Query(ctx, key, start, end)
	if err != nil {
		return 0, err
	}
	return observedRatio(windows), nil
}
