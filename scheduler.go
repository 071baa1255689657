package dunlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

var ErrSchedulerClosed = errors.New("retry scheduler is closed")

// WorkflowInvoker is the callback a scheduler fires when a recovery is due.
// Delivery is at-least-once; the engine absorbs duplicates.
type WorkflowInvoker func(ctx context.Context, id RecoveryID)

// RetryScheduler is the external scheduling collaborator: invoke the
// workflow for id at or after when. The engine never blocks waiting on it.
type RetryScheduler interface {
	ScheduleAt(ctx context.Context, id RecoveryID, when time.Time) error
	Cancel(ctx context.Context, id RecoveryID) error
	Shutdown() error
}

// GocronScheduler implements RetryScheduler with one-time gocron jobs. One
// pending job per recovery: rescheduling replaces the previous job.
type GocronScheduler struct {
	scheduler gocron.Scheduler
	invoke    WorkflowInvoker
	clock     func() time.Time

	mu     deadlock.Mutex
	jobs   map[RecoveryID]uuid.UUID
	closed bool
}

func NewGocronScheduler(clock func() time.Time) (*GocronScheduler, error) {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.Start()
	return &GocronScheduler{
		scheduler: s,
		clock:     clock,
		jobs:      make(map[RecoveryID]uuid.UUID),
	}, nil
}

// Bind wires the engine callback. Must be called before the first
// ScheduleAt.
func (g *GocronScheduler) Bind(invoke WorkflowInvoker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoke = invoke
}

func (g *GocronScheduler) ScheduleAt(ctx context.Context, id RecoveryID, when time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrSchedulerClosed
	}
	if g.invoke == nil {
		return errors.Join(ErrInvalidInput, errors.New("scheduler has no bound invoker"))
	}

	// gocron refuses one-time jobs in the past; "at or after" lets us nudge
	// an already-due firing into the immediate future
	if !when.After(g.clock()) {
		when = g.clock().Add(100 * time.Millisecond)
	}

	if prev, ok := g.jobs[id]; ok {
		_ = g.scheduler.RemoveJob(prev)
		delete(g.jobs, id)
	}

	invoke := g.invoke
	job, err := g.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(when)),
		gocron.NewTask(func() {
			invoke(context.Background(), id)
		}),
		gocron.WithName("recovery-retry:"+string(id)),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	g.jobs[id] = job.ID()
	return nil
}

func (g *GocronScheduler) Cancel(ctx context.Context, id RecoveryID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	jobID, ok := g.jobs[id]
	if !ok {
		return nil
	}
	delete(g.jobs, id)
	return g.scheduler.RemoveJob(jobID)
}

func (g *GocronScheduler) Shutdown() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	return g.scheduler.Shutdown()
}
