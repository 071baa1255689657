package dunlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRecoveries(t *testing.T, env *testEnv, n int) []*RecoveryRecord {
	t.Helper()

	recs := make([]*RecoveryRecord, 0, n)
	for i := 0; i < n; i++ {
		in := testCreateInput(testPolicy())
		in.PaymentID = fmt.Sprintf("pay-%d", i)
		in.AttemptID = fmt.Sprintf("attempt-%d", i)
		rec, err := env.engine.CreateRecovery(context.Background(), in)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestBackfillCorrectsStaleMirrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	recs := seedRecoveries(t, env, 5)

	// age the mirrors: two go missing, one is stale behind a durable write
	require.NoError(t, env.engine.cache.Delete(recs[0].ID))
	require.NoError(t, env.engine.cache.Delete(recs[1].ID))

	stale, err := env.db.GetRecoveryRecord(ctx, recs[2].ID)
	require.NoError(t, err)
	stale.LastErrorCode = "issuer_unavailable"
	require.NoError(t, env.db.UpdateRecoveryRecord(ctx, stale))

	run, err := env.engine.DataBackfill(ctx, "merchant-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, run.Status)
	assert.Equal(t, 5, run.Processed)
	assert.Equal(t, 3, run.Corrected)
	assert.Equal(t, 0, run.Failed)
	assert.Empty(t, run.Failures)

	// the stale mirror now reflects the durable version
	version, ok := env.engine.cache.MirroredVersion(recs[2].ID)
	require.True(t, ok)
	assert.Equal(t, stale.Version, version)

	for _, rec := range recs {
		_, ok := env.engine.cache.Get(rec.ID)
		assert.True(t, ok, "record %s should be mirrored", rec.ID)
	}
}

func TestBackfillSkipsFreshMirrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecoveries(t, env, 4)

	run, err := env.engine.DataBackfill(ctx, "merchant-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, run.Status)
	assert.Equal(t, 4, run.Processed)
	assert.Equal(t, 0, run.Corrected)
}

func TestBackfillHonorsCutoff(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecoveries(t, env, 3)

	// a cutoff in the past matches nothing
	run, err := env.engine.DataBackfill(ctx, "merchant-1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, run.Status)
	assert.Equal(t, 0, run.Processed)
}

func TestBackfillExpiredMirrorsRecounted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, WithMirrorTTL(time.Minute))
	recs := seedRecoveries(t, env, 3)

	env.clock.Advance(2 * time.Minute)

	run, err := env.engine.DataBackfill(ctx, "merchant-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, run.Status)
	assert.Equal(t, 3, run.Corrected)

	for _, rec := range recs {
		_, ok := env.engine.cache.Get(rec.ID)
		assert.True(t, ok)
	}
}

func TestBackfillStatusAndValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecoveries(t, env, 2)

	_, err := env.engine.DataBackfill(ctx, "", env.clock.Now())
	require.ErrorIs(t, err, ErrInvalidInput)

	run, err := env.engine.DataBackfill(ctx, "merchant-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	status, err := env.engine.GetBackfillStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, status.Status)
	assert.Equal(t, run.Processed, status.Processed)

	_, err = env.engine.GetBackfillStatus(ctx, "missing")
	require.ErrorIs(t, err, ErrBackfillNotFound)
}

func TestBackfillResumeOnlyForInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedRecoveries(t, env, 2)

	run, err := env.engine.DataBackfill(ctx, "merchant-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, BackfillCompleted, run.Status)

	_, err = env.engine.ResumeBackfill(ctx, run.ID)
	require.ErrorIs(t, err, ErrBackfillNotResumed)
}

func TestBackfillResumeSkipsProcessedPrefix(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	recs := seedRecoveries(t, env, 6)
	for _, rec := range recs {
		require.NoError(t, env.engine.cache.Delete(rec.ID))
	}

	// an interrupted run that got through part of the scan
	ordered, err := env.db.ListRecoveryRecordsBefore(ctx, "merchant-1", time.Now().UTC().Add(time.Hour), NoRecoveryID, 0)
	require.NoError(t, err)
	require.Len(t, ordered, 6)

	interrupted := &BackfillRun{
		ID:         "run-interrupted",
		MerchantID: "merchant-1",
		Cutoff:     time.Now().UTC().Add(time.Hour),
		Status:     BackfillFailed,
		Processed:  2,
		Corrected:  2,
		Cursor:     ordered[1].ID,
	}
	require.NoError(t, env.db.AddBackfillRun(ctx, interrupted))

	run, err := env.engine.ResumeBackfill(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, run.Status)
	// only the four after the cursor were scanned again
	assert.Equal(t, 6, run.Processed)
	assert.Equal(t, 6, run.Corrected)

	for _, rec := range ordered[2:] {
		_, ok := env.engine.cache.Get(rec.ID)
		assert.True(t, ok)
	}
}
