package dunlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTestRecord(t *testing.T, db Database, id RecoveryID, merchantID string) *RecoveryRecord {
	t.Helper()

	rec := &RecoveryRecord{
		ID:                  id,
		MerchantID:          merchantID,
		PaymentID:           "pay-" + string(id),
		AttemptID:           "attempt-" + string(id),
		ProfileID:           "profile-1",
		Connector:           "stripe",
		PaymentMethod:       "card",
		Currency:            "USD",
		Policy:              testPolicy(),
		TotalBudget:         2,
		RemainingBudget:     2,
		Status:              StatusPendingInitial,
		LastDebitRetryCount: -1,
	}
	require.NoError(t, db.AddRecoveryRecord(context.Background(), rec))
	return rec
}

func TestMemoryDatabaseVersionedWrites(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()

	rec := addTestRecord(t, db, "rec-1", "merchant-1")
	assert.Equal(t, int64(1), rec.Version)

	// a write from the version we read succeeds and bumps
	first := rec.clone()
	first.Status = StatusAwaitingRetry
	require.NoError(t, db.UpdateRecoveryRecord(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	// a second writer still holding version 1 is rejected
	second := rec.clone()
	second.Status = StatusExecuting
	err := db.UpdateRecoveryRecord(ctx, second)
	require.ErrorIs(t, err, ErrVersionConflict)

	stored, err := db.GetRecoveryRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingRetry, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
}

func TestMemoryDatabaseUpdateMissing(t *testing.T) {
	db := NewMemoryDatabase()
	err := db.UpdateRecoveryRecord(context.Background(), &RecoveryRecord{ID: "nope", Version: 1})
	require.ErrorIs(t, err, ErrRecoveryNotFound)
}

func TestMemoryDatabaseDuplicateAdd(t *testing.T) {
	db := NewMemoryDatabase()
	addTestRecord(t, db, "rec-1", "merchant-1")

	dup := &RecoveryRecord{ID: "rec-1", MerchantID: "merchant-1"}
	err := db.AddRecoveryRecord(context.Background(), dup)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryDatabaseReturnsCopies(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()
	addTestRecord(t, db, "rec-1", "merchant-1")

	got, err := db.GetRecoveryRecord(ctx, "rec-1")
	require.NoError(t, err)
	got.Status = StatusCancelled

	again, err := db.GetRecoveryRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingInitial, again.Status)
}

func TestMemoryDatabaseListFilters(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()

	a := addTestRecord(t, db, "rec-a", "merchant-1")
	b := addTestRecord(t, db, "rec-b", "merchant-1")
	addTestRecord(t, db, "rec-c", "merchant-2")

	b2 := b.clone()
	b2.Status = StatusSucceeded
	require.NoError(t, db.UpdateRecoveryRecord(ctx, b2))

	all, err := db.ListRecoveryRecords(ctx, "merchant-1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := db.ListRecoveryRecords(ctx, "merchant-1", []RecoveryStatus{StatusPendingInitial}, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)

	limited, err := db.ListRecoveryRecords(ctx, "merchant-1", nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryDatabasePaging(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()

	const total = 7
	for i := 0; i < total; i++ {
		addTestRecord(t, db, RecoveryID(fmt.Sprintf("rec-%d", i)), "merchant-1")
	}

	cutoff := time.Now().UTC().Add(time.Hour)
	seen := map[RecoveryID]struct{}{}
	cursor := NoRecoveryID
	for {
		page, err := db.ListRecoveryRecordsBefore(ctx, "merchant-1", cutoff, cursor, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			_, dup := seen[rec.ID]
			require.False(t, dup, "record %s paged twice", rec.ID)
			seen[rec.ID] = struct{}{}
		}
		cursor = page[len(page)-1].ID
	}
	assert.Len(t, seen, total)
}

func TestMemoryDatabaseListDue(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()
	now := time.Now().UTC()

	due := addTestRecord(t, db, "rec-due", "merchant-1")
	dueAt := now.Add(-time.Minute)
	due.Status = StatusAwaitingRetry
	due.NextRetryAt = &dueAt
	require.NoError(t, db.UpdateRecoveryRecord(ctx, due))

	future := addTestRecord(t, db, "rec-future", "merchant-1")
	futureAt := now.Add(time.Hour)
	future.Status = StatusAwaitingRetry
	future.NextRetryAt = &futureAt
	require.NoError(t, db.UpdateRecoveryRecord(ctx, future))

	addTestRecord(t, db, "rec-pending", "merchant-1")

	got, err := db.ListDueRecoveryRecords(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, RecoveryID("rec-due"), got[0].ID)
}

func TestMemoryDatabaseBudgetDebitIdempotent(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDatabase()

	fresh, err := db.AddBudgetDebit(ctx, "rec-1", 1, 5, time.Now())
	require.NoError(t, err)
	assert.True(t, fresh)

	again, err := db.AddBudgetDebit(ctx, "rec-1", 1, 5, time.Now())
	require.NoError(t, err)
	assert.False(t, again)

	other, err := db.AddBudgetDebit(ctx, "rec-1", 2, 5, time.Now())
	require.NoError(t, err)
	assert.True(t, other)
}
