package dunlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mirrorTestRecord() *RecoveryRecord {
	next := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	return &RecoveryRecord{
		ID:              "rec-1",
		MerchantID:      "merchant-1",
		Status:          StatusAwaitingRetry,
		RetryCount:      2,
		RemainingBudget: 3,
		NextRetryAt:     &next,
		LastErrorCode:   "insufficient_funds",
		Version:         4,
	}
}

func TestMirrorCacheRoundTrip(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache, err := NewMirrorCache(15*time.Minute, clock.Now)
	require.NoError(t, err)

	rec := mirrorTestRecord()
	require.NoError(t, cache.Put(rec))

	snap, ok := cache.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "rec-1", snap.RecoveryID)
	assert.Equal(t, "merchant-1", snap.MerchantID)
	assert.Equal(t, string(StatusAwaitingRetry), snap.Status)
	assert.Equal(t, int64(2), snap.RetryCount)
	assert.Equal(t, int64(3), snap.RemainingBudget)
	assert.Equal(t, rec.NextRetryAt.UnixNano(), snap.NextRetryAtUnix)
	assert.Equal(t, "insufficient_funds", snap.LastErrorCode)
	assert.Equal(t, int64(4), snap.MirroredVersion)
}

func TestMirrorCacheExpiry(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache, err := NewMirrorCache(15*time.Minute, clock.Now)
	require.NoError(t, err)

	rec := mirrorTestRecord()
	require.NoError(t, cache.Put(rec))

	clock.Advance(14 * time.Minute)
	_, ok := cache.Get(rec.ID)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = cache.Get(rec.ID)
	assert.False(t, ok)

	_, ok = cache.MirroredVersion(rec.ID)
	assert.False(t, ok)
}

func TestMirrorCacheRemirrorAfterExpiryIsKept(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache, err := NewMirrorCache(15*time.Minute, clock.Now)
	require.NoError(t, err)

	rec := mirrorTestRecord()
	require.NoError(t, cache.Put(rec))
	clock.Advance(16 * time.Minute)

	// the expiry miss and the correction that follows it, back to back,
	// the way backfill does it
	_, ok := cache.MirroredVersion(rec.ID)
	require.False(t, ok)
	require.NoError(t, cache.Put(rec))

	snap, ok := cache.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, rec.Version, snap.MirroredVersion)
}

func TestMirrorCachePutReplaces(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache, err := NewMirrorCache(15*time.Minute, clock.Now)
	require.NoError(t, err)

	rec := mirrorTestRecord()
	require.NoError(t, cache.Put(rec))

	rec.Version = 5
	rec.Status = StatusSucceeded
	require.NoError(t, cache.Put(rec))

	version, ok := cache.MirroredVersion(rec.ID)
	require.True(t, ok)
	assert.Equal(t, int64(5), version)

	snap, ok := cache.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, string(StatusSucceeded), snap.Status)
}

func TestMirrorCacheDelete(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache, err := NewMirrorCache(15*time.Minute, clock.Now)
	require.NoError(t, err)

	rec := mirrorTestRecord()
	require.NoError(t, cache.Put(rec))
	require.NoError(t, cache.Delete(rec.ID))

	_, ok := cache.Get(rec.ID)
	assert.False(t, ok)
}

func TestMirrorCacheMissingIsAMiss(t *testing.T) {
	cache, err := NewMirrorCache(0, nil)
	require.NoError(t, err)

	_, ok := cache.Get("nope")
	assert.False(t, ok)
	_, ok = cache.MirroredVersion("nope")
	assert.False(t, ok)
}
