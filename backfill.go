package dunlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

const (
	backfillPageSize = 100
	backfillWorkers  = 4
)

var (
	ErrBackfillRun        = errors.New("failed to run backfill")
	ErrBackfillNotResumed = errors.New("backfill run is not resumable")
)

type backfillTask struct {
	rec *RecoveryRecord
}

// backfillWorker re-mirrors one stale record. The durable record is the
// source of truth, so a correction is just a fresh Put.
type backfillWorker struct {
	cache *MirrorCache
}

func (w backfillWorker) Run(ctx context.Context, task *backfillTask) error {
	return w.cache.Put(task.rec)
}

type backfillAggregator struct {
	mu        deadlock.Mutex
	corrected int
	failures  []BackfillFailure
}

func (a *backfillAggregator) success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.corrected++
}

func (a *backfillAggregator) failure(id RecoveryID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, BackfillFailure{RecoveryID: id, Reason: reason})
}

// DataBackfill scans durable records of merchantID created before cutoff
// and re-mirrors every one whose cache entry is missing, expired, or
// mirrored from an older version. It returns the finished run with its
// processed/corrected/failed counts; the persisted run doubles as progress
// state for GetBackfillStatus and for resumption.
func (e *RecoveryEngine) DataBackfill(ctx context.Context, merchantID string, cutoff time.Time) (*BackfillRun, error) {
	if merchantID == "" {
		return nil, errors.Join(ErrInvalidInput, errors.New("merchant id is required"))
	}

	run := &BackfillRun{
		ID:         BackfillID(uuid.NewString()),
		MerchantID: merchantID,
		Cutoff:     cutoff,
		Status:     BackfillPending,
	}
	if err := e.db.AddBackfillRun(ctx, run); err != nil {
		return nil, errors.Join(ErrBackfillRun, err)
	}
	return e.runBackfill(ctx, run)
}

// ResumeBackfill restarts a failed run from its persisted cursor, so
// already-corrected entries are not reprocessed.
func (e *RecoveryEngine) ResumeBackfill(ctx context.Context, id BackfillID) (*BackfillRun, error) {
	run, err := e.db.GetBackfillRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != BackfillFailed && run.Status != BackfillPending {
		return nil, errors.Join(ErrBackfillNotResumed, fmt.Errorf("run %s is %s", id, run.Status))
	}
	return e.runBackfill(ctx, run)
}

// GetBackfillStatus reports progress for a backfill run.
func (e *RecoveryEngine) GetBackfillStatus(ctx context.Context, id BackfillID) (*BackfillRun, error) {
	return e.db.GetBackfillRun(ctx, id)
}

func (e *RecoveryEngine) runBackfill(ctx context.Context, run *BackfillRun) (*BackfillRun, error) {
	run.Status = BackfillRunning
	if err := e.db.UpdateBackfillRun(ctx, run); err != nil {
		return nil, errors.Join(ErrBackfillRun, err)
	}

	agg := &backfillAggregator{}

	pool := retrypool.New(
		ctx,
		e.backfillWorkers(),
		retrypool.WithAttempts[*backfillTask](2),
		retrypool.WithOnTaskSuccess[*backfillTask](func(_ retrypool.WorkerController[*backfillTask], _ int, _ retrypool.Worker[*backfillTask], _ *backfillTask, _ int, _, _, _ time.Duration, _ time.Time, _ map[int]bool, _ []error, _ []time.Duration, _, _ []time.Time) {
			agg.success()
		}),
		retrypool.WithOnTaskFailure[*backfillTask](func(_ retrypool.WorkerController[*backfillTask], _ int, _ retrypool.Worker[*backfillTask], data *backfillTask, _ int, _, _, _ time.Duration, _ time.Time, _ map[int]bool, _ []error, _ []time.Duration, _, _ []time.Time, err error) retrypool.DeadTaskAction {
			agg.failure(data.rec.ID, err.Error())
			return retrypool.DeadTaskActionDoNothing
		}),
	)
	defer pool.Close()

	if err := e.scanAndCorrect(ctx, run, pool, agg); err != nil {
		run.Status = BackfillFailed
		run.Corrected += agg.corrected
		run.Failed += len(agg.failures)
		run.Failures = append(run.Failures, agg.failures...)
		if uerr := e.db.UpdateBackfillRun(ctx, run); uerr != nil {
			e.logger.Error(ctx, "failed to persist failed backfill run", "backfill_id", run.ID, "error", uerr)
		}
		return run, errors.Join(ErrBackfillRun, err)
	}

	run.Status = BackfillCompleted
	run.Corrected += agg.corrected
	run.Failed += len(agg.failures)
	run.Failures = append(run.Failures, agg.failures...)
	if err := e.db.UpdateBackfillRun(ctx, run); err != nil {
		return nil, errors.Join(ErrBackfillRun, err)
	}

	e.logger.Info(ctx, "backfill completed",
		"backfill_id", run.ID, "merchant_id", run.MerchantID,
		"processed", run.Processed, "corrected", run.Corrected, "failed", run.Failed)
	return run, nil
}

func (e *RecoveryEngine) backfillWorkers() []retrypool.Worker[*backfillTask] {
	workers := make([]retrypool.Worker[*backfillTask], 0, backfillWorkers)
	for i := 0; i < backfillWorkers; i++ {
		workers = append(workers, backfillWorker{cache: e.cache})
	}
	return workers
}

func (e *RecoveryEngine) scanAndCorrect(ctx context.Context, run *BackfillRun, pool *retrypool.Pool[*backfillTask], agg *backfillAggregator) error {
	for {
		page, err := e.db.ListRecoveryRecordsBefore(ctx, run.MerchantID, run.Cutoff, run.Cursor, backfillPageSize)
		if err != nil {
			return fmt.Errorf("scan page after %q: %w", run.Cursor, err)
		}
		if len(page) == 0 {
			return nil
		}

		dispatched := 0
		for _, rec := range page {
			if mirrored, ok := e.cache.MirroredVersion(rec.ID); ok && mirrored >= rec.Version {
				continue
			}
			if err := pool.Submit(&backfillTask{rec: rec}); err != nil {
				return fmt.Errorf("submit correction for %s: %w", rec.ID, err)
			}
			dispatched++
		}

		if dispatched > 0 {
			// drain the page before moving the cursor so a crash resumes
			// behind everything already corrected
			if err := pool.WaitWithCallback(ctx, func(queueSize, processingCount, deadTaskCount int) bool {
				return queueSize > 0 || processingCount > 0
			}, 10*time.Millisecond); err != nil {
				return err
			}
		}

		run.Processed += len(page)
		run.Cursor = page[len(page)-1].ID
		if err := e.db.UpdateBackfillRun(ctx, run); err != nil {
			return fmt.Errorf("persist cursor %q: %w", run.Cursor, err)
		}
	}
}
