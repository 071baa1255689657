package dunlite

import (
	"context"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
)

type windowBucketKey struct {
	WindowKey
	WindowStart int64
}

type debitKey struct {
	RecoveryID RecoveryID
	Attempt    int
}

// MemoryDatabase is the in-memory Database used by tests and embedded
// setups. Records are copied on the way in and out so callers never share
// pointers with the store.
type MemoryDatabase struct {
	rwMutexRecords   deadlock.RWMutex
	rwMutexWindows   deadlock.RWMutex
	rwMutexDebits    deadlock.RWMutex
	rwMutexBackfills deadlock.RWMutex

	records   map[RecoveryID]*RecoveryRecord
	windows   map[windowBucketKey]*SuccessRateWindow
	debits    map[debitKey]int64
	backfills map[BackfillID]*BackfillRun
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		records:   make(map[RecoveryID]*RecoveryRecord),
		windows:   make(map[windowBucketKey]*SuccessRateWindow),
		debits:    make(map[debitKey]int64),
		backfills: make(map[BackfillID]*BackfillRun),
	}
}

func (db *MemoryDatabase) AddRecoveryRecord(ctx context.Context, rec *RecoveryRecord) error {
	db.rwMutexRecords.Lock()
	defer db.rwMutexRecords.Unlock()

	if _, ok := db.records[rec.ID]; ok {
		return ErrInvalidInput
	}
	now := time.Now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	db.records[rec.ID] = rec.clone()
	return nil
}

func (db *MemoryDatabase) GetRecoveryRecord(ctx context.Context, id RecoveryID) (*RecoveryRecord, error) {
	db.rwMutexRecords.RLock()
	defer db.rwMutexRecords.RUnlock()

	rec, ok := db.records[id]
	if !ok {
		return nil, ErrRecoveryNotFound
	}
	return rec.clone(), nil
}

func (db *MemoryDatabase) UpdateRecoveryRecord(ctx context.Context, rec *RecoveryRecord) error {
	db.rwMutexRecords.Lock()
	defer db.rwMutexRecords.Unlock()

	stored, ok := db.records[rec.ID]
	if !ok {
		return ErrRecoveryNotFound
	}
	if stored.Version != rec.Version {
		return ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	db.records[rec.ID] = rec.clone()
	return nil
}

func (db *MemoryDatabase) ListRecoveryRecords(ctx context.Context, merchantID string, statuses []RecoveryStatus, limit int) ([]*RecoveryRecord, error) {
	db.rwMutexRecords.RLock()
	defer db.rwMutexRecords.RUnlock()

	wanted := make(map[RecoveryStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	out := []*RecoveryRecord{}
	for _, rec := range db.records {
		if merchantID != "" && rec.MerchantID != merchantID {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[rec.Status]; !ok {
				continue
			}
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *MemoryDatabase) ListRecoveryRecordsBefore(ctx context.Context, merchantID string, cutoff time.Time, afterID RecoveryID, limit int) ([]*RecoveryRecord, error) {
	db.rwMutexRecords.RLock()
	defer db.rwMutexRecords.RUnlock()

	var afterCreated time.Time
	if afterID != NoRecoveryID {
		if after, ok := db.records[afterID]; ok {
			afterCreated = after.CreatedAt
		}
	}

	out := []*RecoveryRecord{}
	for _, rec := range db.records {
		if merchantID != "" && rec.MerchantID != merchantID {
			continue
		}
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if afterID != NoRecoveryID {
			// strictly after the cursor in (CreatedAt, ID) order
			if rec.CreatedAt.Before(afterCreated) {
				continue
			}
			if rec.CreatedAt.Equal(afterCreated) && rec.ID <= afterID {
				continue
			}
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *MemoryDatabase) ListDueRecoveryRecords(ctx context.Context, now time.Time) ([]*RecoveryRecord, error) {
	db.rwMutexRecords.RLock()
	defer db.rwMutexRecords.RUnlock()

	out := []*RecoveryRecord{}
	for _, rec := range db.records {
		if rec.Status != StatusAwaitingRetry || rec.NextRetryAt == nil {
			continue
		}
		if rec.NextRetryAt.After(now) {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(*out[j].NextRetryAt)
	})
	return out, nil
}

func (db *MemoryDatabase) IncrementWindow(ctx context.Context, key WindowKey, windowStart, windowEnd time.Time, outcome Outcome) error {
	db.rwMutexWindows.Lock()
	defer db.rwMutexWindows.Unlock()

	bk := windowBucketKey{WindowKey: key, WindowStart: windowStart.UnixNano()}
	w, ok := db.windows[bk]
	if !ok {
		w = &SuccessRateWindow{
			Key:         key,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
		}
		db.windows[bk] = w
	}
	if outcome == OutcomeSuccess {
		w.SuccessCount++
	} else {
		w.FailureCount++
	}
	return nil
}

func (db *MemoryDatabase) QueryWindows(ctx context.Context, key WindowKey, start, end time.Time) ([]SuccessRateWindow, error) {
	db.rwMutexWindows.RLock()
	defer db.rwMutexWindows.RUnlock()

	out := []SuccessRateWindow{}
	for _, w := range db.windows {
		if w.Key != key {
			continue
		}
		// bucket intersects [start, end)
		if !w.WindowEnd.After(start) || !w.WindowStart.Before(end) {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}

func (db *MemoryDatabase) AddBudgetDebit(ctx context.Context, id RecoveryID, attempt int, cost int64, at time.Time) (bool, error) {
	db.rwMutexDebits.Lock()
	defer db.rwMutexDebits.Unlock()

	k := debitKey{RecoveryID: id, Attempt: attempt}
	if _, ok := db.debits[k]; ok {
		return false, nil
	}
	db.debits[k] = cost
	return true, nil
}

func (db *MemoryDatabase) AddBackfillRun(ctx context.Context, run *BackfillRun) error {
	db.rwMutexBackfills.Lock()
	defer db.rwMutexBackfills.Unlock()

	if _, ok := db.backfills[run.ID]; ok {
		return ErrInvalidInput
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	db.backfills[run.ID] = run.clone()
	return nil
}

func (db *MemoryDatabase) GetBackfillRun(ctx context.Context, id BackfillID) (*BackfillRun, error) {
	db.rwMutexBackfills.RLock()
	defer db.rwMutexBackfills.RUnlock()

	run, ok := db.backfills[id]
	if !ok {
		return nil, ErrBackfillNotFound
	}
	return run.clone(), nil
}

func (db *MemoryDatabase) UpdateBackfillRun(ctx context.Context, run *BackfillRun) error {
	db.rwMutexBackfills.Lock()
	defer db.rwMutexBackfills.Unlock()

	if _, ok := db.backfills[run.ID]; !ok {
		return ErrBackfillNotFound
	}
	run.UpdatedAt = time.Now().UTC()
	db.backfills[run.ID] = run.clone()
	return nil
}

func (db *MemoryDatabase) Close() error {
	return nil
}
