package dunlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGocronSchedulerNudgesPastDueFromInjectedClock(t *testing.T) {
	// run the scheduler on a clock an hour ahead of wall time: the nudge
	// for an already-due firing must be computed from that clock, not from
	// time.Now(), or due times would drift between the engine and its
	// scheduler
	base := time.Now().UTC().Add(time.Hour)
	clock := newFakeClock(base)

	s, err := NewGocronScheduler(clock.Now)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown() }()

	s.Bind(func(context.Context, RecoveryID) {})

	require.NoError(t, s.ScheduleAt(context.Background(), "rec-1", base.Add(-time.Minute)))

	s.mu.Lock()
	_, ok := s.jobs["rec-1"]
	s.mu.Unlock()
	assert.True(t, ok)
}

func TestGocronSchedulerReplacesPendingJob(t *testing.T) {
	clock := newFakeClock(time.Now().UTC())

	s, err := NewGocronScheduler(clock.Now)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown() }()

	s.Bind(func(context.Context, RecoveryID) {})

	require.NoError(t, s.ScheduleAt(context.Background(), "rec-1", clock.Now().Add(time.Hour)))
	require.NoError(t, s.ScheduleAt(context.Background(), "rec-1", clock.Now().Add(2*time.Hour)))

	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestGocronSchedulerRejectsUnboundInvoker(t *testing.T) {
	s, err := NewGocronScheduler(nil)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown() }()

	err = s.ScheduleAt(context.Background(), "rec-1", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGocronSchedulerClosed(t *testing.T) {
	s, err := NewGocronScheduler(nil)
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())

	err = s.ScheduleAt(context.Background(), "rec-1", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrSchedulerClosed)

	// cancelling something never scheduled is a no-op either way
	assert.NoError(t, s.Cancel(context.Background(), "rec-2"))
}
