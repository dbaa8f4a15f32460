// Package store implements the restart checkpoint cache: a
// bbolt-backed snapshot of the share-chain height, the retarget
// state, and the PPLNS window totals. It is explicitly NOT the source
// of truth for the share-chain: the tip and height always come from
// the flat-file share replay (sharechain.BlockManager.LoadShares), and
// the checkpoint is not compared against it. This store only supplies
// the window totals and retarget state for a faster start.
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"
)

const checkpointBucket = "checkpoints"

// Checkpoint is a point-in-time snapshot of restart-relevant state:
// the share-chain height, the target manager's last adjustment, and
// the PPLNS window's per-address totals.
type Checkpoint struct {
	Height           uint32
	PoolTarget       [32]byte
	AdjustmentTime   uint32
	AdjustmentHeight uint32
	WindowTotals     map[[20]byte]uint64
}

// CheckpointStore wraps a bbolt database file.
type CheckpointStore struct {
	db *bbolt.DB
}

// Open creates or opens the checkpoint database at path. A failure
// here is fatal at startup: once configured, the store is not a
// feature the operator can silently run without.
func Open(path string) (*CheckpointStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: initializing buckets: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// Save persists cp under a fixed "latest" key, overwriting any prior
// checkpoint. Save is best-effort: a write failure after startup is
// logged by the caller and does not affect correctness.
func (s *CheckpointStore) Save(cp Checkpoint) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cp); err != nil {
		return fmt.Errorf("store: encoding checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(checkpointBucket)).Put([]byte("latest"), buf.Bytes())
	})
}

// Load returns the last saved checkpoint, or ok=false if none exists
// yet. A read failure after startup is non-fatal: the caller falls
// back to a full flat-file replay.
func (s *CheckpointStore) Load() (cp Checkpoint, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(checkpointBucket)).Get([]byte("latest"))
		if data == nil {
			return nil
		}
		ok = true
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&cp)
	})
	return cp, ok, err
}
