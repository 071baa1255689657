package dunlite

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock so tests can place outcomes and
// retry times deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scheduledRetry struct {
	ID   RecoveryID
	When time.Time
}

// fakeScheduler records schedules instead of firing them; tests invoke the
// workflow by hand when they want a retry to happen.
type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []scheduledRetry
	cancelled []RecoveryID
}

func (s *fakeScheduler) ScheduleAt(ctx context.Context, id RecoveryID, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, scheduledRetry{ID: id, When: when})
	return nil
}

func (s *fakeScheduler) Cancel(ctx context.Context, id RecoveryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *fakeScheduler) Shutdown() error { return nil }

func (s *fakeScheduler) last() (scheduledRetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scheduled) == 0 {
		return scheduledRetry{}, false
	}
	return s.scheduled[len(s.scheduled)-1], true
}

// scriptedGateway returns its results in order, one per charge execution.
type scriptedGateway struct {
	mu      sync.Mutex
	results []ChargeResult
	errs    []error
	calls   int
}

func (g *scriptedGateway) script(result ChargeResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, result)
	g.errs = append(g.errs, err)
}

func (g *scriptedGateway) AttemptCharge(ctx context.Context, paymentID, attemptID string) (ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls >= len(g.results) {
		return ChargeResult{}, context.DeadlineExceeded
	}
	i := g.calls
	g.calls++
	return g.results[i], g.errs[i]
}

type testEnv struct {
	engine    *RecoveryEngine
	db        *MemoryDatabase
	clock     *fakeClock
	scheduler *fakeScheduler
	gateway   *scriptedGateway
}

func newTestEnv(t *testing.T, opts ...engineOption) *testEnv {
	t.Helper()

	env := &testEnv{
		db:        NewMemoryDatabase(),
		clock:     newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		scheduler: &fakeScheduler{},
		gateway:   &scriptedGateway{},
	}

	all := append([]engineOption{
		WithDatabase(env.db),
		WithClock(env.clock.Now),
		WithScheduler(env.scheduler),
		WithGateway(env.gateway),
		WithLogger(NewDefaultLogger(slog.LevelError, TextFormat)),
	}, opts...)

	engine, err := New(context.Background(), all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	env.engine = engine
	return env
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		AlgorithmType: AlgorithmExponential,
		BaseDelay:     10 * time.Second,
		MaxDelay:      5 * time.Minute,
		MaxRetries:    5,
		RetryCost:     1,
		TotalBudget:   2,
	}
}

func testCreateInput(policy RetryPolicy) CreateRecoveryInput {
	return CreateRecoveryInput{
		MerchantID:       "merchant-1",
		PaymentID:        "pay-1",
		AttemptID:        "attempt-1",
		ProfileID:        "profile-1",
		BillingAccountID: "billing-1",
		Connector:        "stripe",
		PaymentMethod:    "card",
		Currency:         "USD",
		Policy:           policy,
		ErrorCode:        "insufficient_funds",
		ErrorMessage:     "balance too low",
	}
}
