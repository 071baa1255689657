package dunlite

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/stephenfire/go-rtl"
)

const (
	mirrorTable = "recovery_mirrors"

	// DefaultMirrorTTL bounds how long a fast-path snapshot may serve
	// before the durable record must be consulted again.
	DefaultMirrorTTL = 15 * time.Minute
)

var ErrMirrorEncode = errors.New("failed to encode recovery snapshot")

// RecoverySnapshot is the fast-path subset of a RecoveryRecord mirrored
// into the cache. It is never authoritative; MirroredVersion records which
// durable version it was taken from.
type RecoverySnapshot struct {
	RecoveryID       string
	MerchantID       string
	Status           string
	RetryCount       int64
	RemainingBudget  int64
	NextRetryAtUnix  int64
	LastErrorCode    string
	MirroredVersion  int64
}

func snapshotOf(rec *RecoveryRecord) *RecoverySnapshot {
	snap := &RecoverySnapshot{
		RecoveryID:      string(rec.ID),
		MerchantID:      rec.MerchantID,
		Status:          string(rec.Status),
		RetryCount:      int64(rec.RetryCount),
		RemainingBudget: rec.RemainingBudget,
		LastErrorCode:   rec.LastErrorCode,
		MirroredVersion: rec.Version,
	}
	if rec.NextRetryAt != nil {
		snap.NextRetryAtUnix = rec.NextRetryAt.UnixNano()
	}
	return snap
}

type mirrorEntry struct {
	RecoveryID string
	Version    int64
	ExpiresAt  time.Time
	Snapshot   []byte
}

// MirrorCache is the ephemeral mirror of recovery records, a single memdb
// table keyed by recovery id with TTL enforced lazily on read. The durable
// record always wins on conflict; the cache holds weak back-references
// only.
type MirrorCache struct {
	db    *memdb.MemDB
	ttl   time.Duration
	clock func() time.Time
}

func NewMirrorCache(ttl time.Duration, clock func() time.Time) (*MirrorCache, error) {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			mirrorTable: {
				Name: mirrorTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "RecoveryID"},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &MirrorCache{db: db, ttl: ttl, clock: clock}, nil
}

// Put mirrors rec, replacing any previous snapshot for the same id.
func (c *MirrorCache) Put(rec *RecoveryRecord) error {
	buf := bytes.NewBuffer(nil)
	if err := rtl.Encode(snapshotOf(rec), buf); err != nil {
		return errors.Join(ErrMirrorEncode, err)
	}

	txn := c.db.Txn(true)
	if err := txn.Insert(mirrorTable, &mirrorEntry{
		RecoveryID: string(rec.ID),
		Version:    rec.Version,
		ExpiresAt:  c.clock().Add(c.ttl),
		Snapshot:   buf.Bytes(),
	}); err != nil {
		txn.Abort()
		return fmt.Errorf("mirror insert: %w", err)
	}
	txn.Commit()
	return nil
}

// Get returns the cached snapshot, treating an expired entry as a miss and
// dropping it.
func (c *MirrorCache) Get(id RecoveryID) (*RecoverySnapshot, bool) {
	entry, ok := c.lookup(id)
	if !ok {
		return nil, false
	}

	snap := &RecoverySnapshot{}
	if err := rtl.Decode(bytes.NewBuffer(entry.Snapshot), snap); err != nil {
		// a snapshot that cannot decode is as good as absent
		_ = c.Delete(id)
		return nil, false
	}
	return snap, true
}

// MirroredVersion reports which durable version the cache holds for id,
// false when the mirror is missing or expired. Backfill uses this for its
// staleness check without paying for a decode.
func (c *MirrorCache) MirroredVersion(id RecoveryID) (int64, bool) {
	entry, ok := c.lookup(id)
	if !ok {
		return 0, false
	}
	return entry.Version, true
}

func (c *MirrorCache) lookup(id RecoveryID) (*mirrorEntry, bool) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(mirrorTable, "id", string(id))
	if err != nil || raw == nil {
		return nil, false
	}
	entry := raw.(*mirrorEntry)
	if c.clock().After(entry.ExpiresAt) {
		// drop it before returning the miss: a deferred delete could race
		// with the re-mirror the caller does next and discard fresh state
		_ = c.Delete(id)
		return nil, false
	}
	return entry, true
}

func (c *MirrorCache) Delete(id RecoveryID) error {
	txn := c.db.Txn(true)
	if _, err := txn.DeleteAll(mirrorTable, "id", string(id)); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}
