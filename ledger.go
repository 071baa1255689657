package dunlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sethvargo/go-retry"
)

const (
	// casAttempts bounds the read-compute-write cycles before giving up on
	// a contended record.
	casAttempts = 3
	casInterval = 25 * time.Millisecond

	debitCacheSize = 4096
)

type ledgerDebitKey struct {
	RecoveryID RecoveryID
	Attempt    int
}

// BudgetLedger implements check-and-reserve over the retry budget. The
// reservation marker (LastDebitRetryCount) is written in the same
// version-checked cycle as the decrement, so a re-delivered invocation for
// the same attempt observes the marker instead of debiting twice. An LRU of
// recent reservations short-circuits re-deliveries without touching the
// store.
type BudgetLedger struct {
	db     Database
	logger Logger
	clock  func() time.Time
	seen   *lru.Cache
}

func NewBudgetLedger(db Database, logger Logger, clock func() time.Time) (*BudgetLedger, error) {
	seen, err := lru.New(debitCacheSize)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &BudgetLedger{db: db, logger: logger, clock: clock, seen: seen}, nil
}

// CheckAndReserve reserves cost units for retry number attempt. When the
// budget covers the cost it decrements RemainingBudget atomically and
// returns (updated record, true). When it does not, nothing is mutated and
// the second return is false. The whole cycle retries a bounded number of
// times on version conflicts and then fails with ErrBudgetLedgerContention.
func (l *BudgetLedger) CheckAndReserve(ctx context.Context, id RecoveryID, attempt int, cost int64) (*RecoveryRecord, bool, error) {
	if cost < 0 {
		return nil, false, errors.Join(ErrInvalidInput, fmt.Errorf("negative retry cost %d", cost))
	}

	if l.seen.Contains(ledgerDebitKey{RecoveryID: id, Attempt: attempt}) {
		l.logger.Debug(ctx, "budget reservation replayed from cache", "recovery_id", id, "attempt", attempt)
		rec, err := l.db.GetRecoveryRecord(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}

	var rec *RecoveryRecord
	var reserved bool

	err := retry.Do(
		ctx,
		retry.WithMaxRetries(casAttempts, retry.NewConstant(casInterval)),
		func(ctx context.Context) error {
			var err error
			if rec, err = l.db.GetRecoveryRecord(ctx, id); err != nil {
				return err
			}

			// a re-delivery for an already reserved attempt
			if rec.LastDebitRetryCount >= attempt {
				reserved = true
				return nil
			}

			if rec.RemainingBudget < cost {
				reserved = false
				return nil
			}

			rec.RemainingBudget -= cost
			rec.LastDebitRetryCount = attempt
			if err = l.db.UpdateRecoveryRecord(ctx, rec); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					l.logger.Debug(ctx, "budget ledger version conflict, retrying", "recovery_id", id, "attempt", attempt)
					return retry.RetryableError(err)
				}
				return err
			}

			reserved = true
			if _, err := l.db.AddBudgetDebit(ctx, id, attempt, cost, l.clock()); err != nil {
				// audit row only; the reservation itself already committed
				l.logger.Warn(ctx, "budget debit audit row failed", "recovery_id", id, "attempt", attempt, "error", err)
			}
			return nil
		},
	)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, false, errors.Join(ErrBudgetLedgerContention, err)
		}
		return nil, false, err
	}

	if reserved {
		l.seen.Add(ledgerDebitKey{RecoveryID: id, Attempt: attempt}, struct{}{})
	}
	return rec, reserved, nil
}
