package dunlite

import (
	"context"
	"time"
)

// Database is the durable store behind the engine. Two implementations
// ship: sqlite (source of truth for deployments) and an in-memory one used
// by tests and throwaway setups.
//
// RecoveryRecord writes are version-checked: UpdateRecoveryRecord only
// applies when the stored version equals the version the caller read, and
// returns ErrVersionConflict otherwise. Window increments are atomic
// per-bucket with idempotent lazy bucket creation; no cross-bucket locking
// is needed or provided.
type Database interface {
	// AddRecoveryRecord persists a new record, stamping Version = 1 and
	// the creation timestamps.
	AddRecoveryRecord(ctx context.Context, rec *RecoveryRecord) error
	GetRecoveryRecord(ctx context.Context, id RecoveryID) (*RecoveryRecord, error)
	// UpdateRecoveryRecord writes rec conditioned on rec.Version matching
	// the stored row, then bumps rec.Version and UpdatedAt in place.
	UpdateRecoveryRecord(ctx context.Context, rec *RecoveryRecord) error
	ListRecoveryRecords(ctx context.Context, merchantID string, statuses []RecoveryStatus, limit int) ([]*RecoveryRecord, error)
	// ListRecoveryRecordsBefore pages records with CreatedAt < cutoff in
	// (CreatedAt, ID) order, strictly after the afterID cursor.
	ListRecoveryRecordsBefore(ctx context.Context, merchantID string, cutoff time.Time, afterID RecoveryID, limit int) ([]*RecoveryRecord, error)
	// ListDueRecoveryRecords returns AwaitingRetry records whose
	// NextRetryAt is at or before now. Used to re-arm after a restart.
	ListDueRecoveryRecords(ctx context.Context, now time.Time) ([]*RecoveryRecord, error)

	// IncrementWindow bumps exactly one counter of the bucket starting at
	// windowStart, creating the bucket if it is the first event in it.
	// Concurrent first-writers must not produce duplicate buckets.
	IncrementWindow(ctx context.Context, key WindowKey, windowStart, windowEnd time.Time, outcome Outcome) error
	// QueryWindows returns buckets intersecting [start, end), ordered by
	// WindowStart ascending.
	QueryWindows(ctx context.Context, key WindowKey, start, end time.Time) ([]SuccessRateWindow, error)

	// AddBudgetDebit records the audit row for a reserved attempt. Returns
	// false when the (recovery, attempt) debit already exists.
	AddBudgetDebit(ctx context.Context, id RecoveryID, attempt int, cost int64, at time.Time) (bool, error)

	AddBackfillRun(ctx context.Context, run *BackfillRun) error
	GetBackfillRun(ctx context.Context, id BackfillID) (*BackfillRun, error)
	UpdateBackfillRun(ctx context.Context, run *BackfillRun) error

	Close() error
}
