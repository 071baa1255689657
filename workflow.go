package dunlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sethvargo/go-retry"
)

var (
	ErrWorkflowExecution = errors.New("failed to execute recovery workflow")
	ErrWorkflowStep      = errors.New("failed to process workflow step")

	// a concurrent writer resolved the recovery while we were persisting;
	// the caller reloads and treats the invocation as a no-op
	errTransitionSuperseded = errors.New("transition superseded by terminal state")
)

// recoveryInstance drives one workflow invocation for one record. The FSM
// is rebuilt from the durable status on every invocation; the durable store
// is the only state that survives between firings.
type recoveryInstance struct {
	engine *RecoveryEngine
	rec    *RecoveryRecord
	fsm    *stateless.StateMachine
}

func (e *RecoveryEngine) newRecoveryInstance(rec *RecoveryRecord) *recoveryInstance {
	inst := &recoveryInstance{engine: e, rec: rec}

	fsm := stateless.NewStateMachine(rec.Status)

	fsm.Configure(StatusPendingInitial).
		Permit(triggerAwait, StatusAwaitingRetry).
		Permit(triggerSucceed, StatusSucceeded).
		Permit(triggerDecline, StatusTerminalDecline).
		Permit(triggerExhaust, StatusExhaustedBudget).
		Permit(triggerCancel, StatusCancelled)

	fsm.Configure(StatusAwaitingRetry).
		OnEntryFrom(triggerAwait, inst.onAwaitRetry).
		Permit(triggerExecute, StatusExecuting).
		Permit(triggerCancel, StatusCancelled)

	fsm.Configure(StatusExecuting).
		OnEntry(inst.onExecuting).
		Permit(triggerSucceed, StatusSucceeded).
		Permit(triggerAwait, StatusAwaitingRetry).
		Permit(triggerDecline, StatusTerminalDecline).
		Permit(triggerExhaust, StatusExhaustedBudget).
		Permit(triggerCancel, StatusCancelled)

	fsm.Configure(StatusSucceeded).
		OnEntry(inst.onSucceeded)

	fsm.Configure(StatusTerminalDecline).
		OnEntry(inst.onTerminalDecline)

	fsm.Configure(StatusExhaustedBudget).
		OnEntry(inst.onExhaustedBudget)

	fsm.Configure(StatusCancelled).
		OnEntry(inst.onCancelled)

	inst.fsm = fsm
	return inst
}

// ExecuteRecoveryWorkflow is the scheduler's entry point, and the one place
// cancellation and duplicate deliveries are absorbed: a terminal record
// returns unchanged without reprocessing.
func (e *RecoveryEngine) ExecuteRecoveryWorkflow(ctx context.Context, id RecoveryID) (*RecoveryRecord, error) {
	rec, err := e.db.GetRecoveryRecord(ctx, id)
	if err != nil {
		return nil, errors.Join(ErrWorkflowExecution, err)
	}

	if rec.Terminal() {
		e.logger.Debug(ctx, "recovery already resolved, ignoring invocation", "recovery_id", id, "status", rec.Status)
		return rec, nil
	}

	inst := e.newRecoveryInstance(rec)

	switch rec.Status {
	case StatusPendingInitial:
		// evaluate the collection failure the record was created with
		err = inst.processStep(ctx, StepFailure, rec.LastErrorCode, rec.LastErrorMessage)
	case StatusAwaitingRetry:
		err = inst.fsm.FireCtx(ctx, triggerExecute)
	case StatusExecuting:
		// a previous invocation died between the Executing write and its
		// result; classified transient and re-evaluated
		err = inst.processStep(ctx, StepFailure, CodeExecutionInterrupted, "previous execution did not report a result")
	}
	if err != nil {
		if errors.Is(err, errTransitionSuperseded) {
			return e.reload(ctx, id)
		}
		return nil, errors.Join(ErrWorkflowExecution, err)
	}
	return e.reload(ctx, id)
}

// ProcessWorkflowStep feeds an attempt outcome into the state machine. It
// is idempotent for resolved recoveries.
func (e *RecoveryEngine) ProcessWorkflowStep(ctx context.Context, id RecoveryID, result StepResult, errorCode, errorMessage string) (*RecoveryRecord, error) {
	rec, err := e.db.GetRecoveryRecord(ctx, id)
	if err != nil {
		return nil, errors.Join(ErrWorkflowStep, err)
	}
	if rec.Terminal() {
		e.logger.Debug(ctx, "recovery already resolved, ignoring step", "recovery_id", id, "status", rec.Status)
		return rec, nil
	}

	inst := e.newRecoveryInstance(rec)
	if err := inst.processStep(ctx, result, errorCode, errorMessage); err != nil {
		if errors.Is(err, errTransitionSuperseded) {
			return e.reload(ctx, id)
		}
		return nil, errors.Join(ErrWorkflowStep, err)
	}
	return e.reload(ctx, id)
}

// CancelRecovery resolves a recovery from outside, from any non-terminal
// state. The next scheduled firing observes the terminal state and no-ops.
func (e *RecoveryEngine) CancelRecovery(ctx context.Context, id RecoveryID) (*RecoveryRecord, error) {
	rec, err := e.db.GetRecoveryRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return rec, nil
	}

	inst := e.newRecoveryInstance(rec)
	if err := inst.fsm.FireCtx(ctx, triggerCancel); err != nil {
		if errors.Is(err, errTransitionSuperseded) {
			return e.reload(ctx, id)
		}
		return nil, err
	}
	return e.reload(ctx, id)
}

func (e *RecoveryEngine) reload(ctx context.Context, id RecoveryID) (*RecoveryRecord, error) {
	rec, err := e.db.GetRecoveryRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// processStep is §4.4's evaluation pipeline: record the outcome, classify,
// check the budget, compute the delay, then fire the matching transition.
func (inst *recoveryInstance) processStep(ctx context.Context, result StepResult, errorCode, errorMessage string) error {
	e := inst.engine
	rec := inst.rec
	now := e.clock()

	outcome := OutcomeFailure
	if result == StepSuccess {
		outcome = OutcomeSuccess
	}
	if err := e.windows.Record(ctx, rec.WindowDimensions(), now, outcome); err != nil {
		// clock skew surfaces to the caller; nothing was counted
		if errors.Is(err, ErrClockSkewRejected) {
			return err
		}
		// the aggregate is advisory; losing one increment must not stall
		// the recovery itself
		e.logger.Warn(ctx, "failed to record outcome in window store", "recovery_id", rec.ID, "error", err)
	}

	if result == StepSuccess {
		return inst.fsm.FireCtx(ctx, triggerSucceed)
	}

	rec.LastErrorCode = errorCode
	rec.LastErrorMessage = errorMessage

	if !inst.shouldRetry(ctx, errorCode) {
		return inst.fsm.FireCtx(ctx, triggerDecline)
	}

	attempt := rec.RetryCount + 1
	reservedRec, reserved, err := e.ledger.CheckAndReserve(ctx, rec.ID, attempt, rec.Policy.RetryCost)
	if err != nil {
		return err
	}
	if !reserved {
		return inst.fsm.FireCtx(ctx, triggerExhaust)
	}

	// the ledger wrote a fresh version; carry the error fields over onto it
	reservedRec.LastErrorCode = errorCode
	reservedRec.LastErrorMessage = errorMessage
	inst.rec = reservedRec

	delay, err := e.backoff.NextRetryDelay(ctx, rec.Policy, rec.RetryCount, rec.WindowDimensions(), now, e.db.QueryWindows)
	if err != nil {
		return err
	}
	return inst.fsm.FireCtx(ctx, triggerAwait, delay)
}

// shouldRetry classifies the error code against the static taxonomy and
// checks the retry ceiling.
func (inst *recoveryInstance) shouldRetry(ctx context.Context, errorCode string) bool {
	e := inst.engine
	rec := inst.rec

	class := ClassifyErrorCode(errorCode)
	if !class.Retryable() {
		e.logger.Info(ctx, "hard decline, recovery not retryable", "recovery_id", rec.ID, "error_code", errorCode)
		return false
	}
	if rec.RetryCount >= rec.Policy.MaxRetries {
		e.logger.Info(ctx, "retry ceiling reached", "recovery_id", rec.ID, "retry_count", rec.RetryCount, "max_retries", rec.Policy.MaxRetries)
		return false
	}
	return true
}

func (inst *recoveryInstance) onExecuting(ctx context.Context, _ ...any) error {
	e := inst.engine
	rec := inst.rec

	updated, err := e.persistTransition(ctx, rec, func(r *RecoveryRecord) {
		r.Status = StatusExecuting
		r.NextRetryAt = nil
	})
	if err != nil {
		return err
	}
	inst.rec = updated

	gctx, cancel := context.WithTimeout(ctx, e.gatewayTimeout)
	defer cancel()

	chargeResult, err := e.gateway.AttemptCharge(gctx, rec.PaymentID, rec.AttemptID)
	if err != nil {
		// transport failures are classified once, here at the boundary
		code := CodeNetworkError
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeGatewayTimeout
		}
		e.logger.Warn(ctx, "charge execution failed at transport level", "recovery_id", rec.ID, "error", err)
		return inst.processStep(ctx, StepFailure, code, err.Error())
	}

	if chargeResult.Success {
		return inst.processStep(ctx, StepSuccess, "", "")
	}
	return inst.processStep(ctx, StepFailure, chargeResult.ErrorCode, chargeResult.ErrorMessage)
}

func (inst *recoveryInstance) onAwaitRetry(ctx context.Context, args ...any) error {
	e := inst.engine
	rec := inst.rec

	if len(args) != 1 {
		return errors.Join(ErrWorkflowStep, fmt.Errorf("await transition expected 1 argument, got %d", len(args)))
	}
	delay, ok := args[0].(time.Duration)
	if !ok {
		return errors.Join(ErrWorkflowStep, fmt.Errorf("await transition expected a delay, got %T", args[0]))
	}

	attempt := rec.RetryCount + 1
	nextAt := e.clock().Add(delay)
	errorCode := rec.LastErrorCode
	errorMessage := rec.LastErrorMessage

	updated, err := e.persistTransition(ctx, rec, func(r *RecoveryRecord) {
		r.Status = StatusAwaitingRetry
		r.RetryCount = attempt
		r.NextRetryAt = &nextAt
		r.LastErrorCode = errorCode
		r.LastErrorMessage = errorMessage
	})
	if err != nil {
		return err
	}
	inst.rec = updated
	inst.mirror(ctx)

	e.logger.Info(ctx, "retry scheduled", "recovery_id", rec.ID, "attempt", attempt, "delay", delay, "next_retry_at", nextAt)
	if err := e.scheduler.ScheduleAt(ctx, rec.ID, nextAt); err != nil {
		return errors.Join(ErrWorkflowStep, fmt.Errorf("failed to schedule retry: %w", err))
	}
	return nil
}

func (inst *recoveryInstance) onSucceeded(ctx context.Context, _ ...any) error {
	return inst.resolve(ctx, StatusSucceeded, "recovery succeeded")
}

func (inst *recoveryInstance) onTerminalDecline(ctx context.Context, _ ...any) error {
	return inst.resolve(ctx, StatusTerminalDecline, "recovery resolved as terminal decline")
}

func (inst *recoveryInstance) onExhaustedBudget(ctx context.Context, _ ...any) error {
	return inst.resolve(ctx, StatusExhaustedBudget, "recovery resolved, retry budget exhausted")
}

func (inst *recoveryInstance) onCancelled(ctx context.Context, _ ...any) error {
	if err := inst.resolve(ctx, StatusCancelled, "recovery cancelled"); err != nil {
		return err
	}
	if err := inst.engine.scheduler.Cancel(ctx, inst.rec.ID); err != nil {
		inst.engine.logger.Warn(ctx, "failed to cancel pending retry job", "recovery_id", inst.rec.ID, "error", err)
	}
	return nil
}

func (inst *recoveryInstance) resolve(ctx context.Context, status RecoveryStatus, msg string) error {
	e := inst.engine
	rec := inst.rec
	errorCode := rec.LastErrorCode
	errorMessage := rec.LastErrorMessage

	updated, err := e.persistTransition(ctx, rec, func(r *RecoveryRecord) {
		r.Status = status
		r.NextRetryAt = nil
		r.LastErrorCode = errorCode
		r.LastErrorMessage = errorMessage
	})
	if err != nil {
		return err
	}
	inst.rec = updated
	inst.mirror(ctx)

	e.logger.Info(ctx, msg, "recovery_id", rec.ID, "retry_count", updated.RetryCount, "remaining_budget", updated.RemainingBudget)
	return nil
}

func (inst *recoveryInstance) mirror(ctx context.Context) {
	if err := inst.engine.cache.Put(inst.rec); err != nil {
		// never authoritative, so a failed mirror only degrades the fast path
		inst.engine.logger.Warn(ctx, "failed to mirror recovery record", "recovery_id", inst.rec.ID, "error", err)
	}
}

// persistTransition is the version-checked write every mutation goes
// through: write conditioned on the version we read, re-read and reapply on
// conflict, give up after a bounded number of cycles. A concurrent
// resolution to a terminal state wins over whatever we were about to write.
func (e *RecoveryEngine) persistTransition(ctx context.Context, rec *RecoveryRecord, mutate func(*RecoveryRecord)) (*RecoveryRecord, error) {
	current := rec.clone()

	err := retry.Do(
		ctx,
		retry.WithMaxRetries(casAttempts, retry.NewConstant(casInterval)),
		func(ctx context.Context) error {
			mutate(current)
			if err := e.db.UpdateRecoveryRecord(ctx, current); err != nil {
				if !errors.Is(err, ErrVersionConflict) {
					return err
				}
				fresh, gerr := e.db.GetRecoveryRecord(ctx, current.ID)
				if gerr != nil {
					return gerr
				}
				if fresh.Terminal() {
					return errTransitionSuperseded
				}
				current = fresh
				return retry.RetryableError(err)
			}
			return nil
		},
	)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, errors.Join(ErrConcurrencyConflict, err)
		}
		return nil, err
	}
	return current, nil
}
