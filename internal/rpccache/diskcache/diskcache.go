// Package diskcache is a local, on-disk L1 tier for internal/rpccache,
// backed by go.etcd.io/bbolt. It is purely an optimization to avoid
// round-tripping to Postgres for hot re-replays within a single process
// run; it is never consulted as a source of truth and a write failure
// here never surfaces to the caller.
package diskcache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const cacheBucket = "rpc_cache"

// DiskCache is a bbolt-backed key-value store keyed by
// (chainID, blockContext, requestHash).
type DiskCache struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt database at path.
func Open(path string) (*DiskCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("diskcache: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("diskcache: create bucket: %w", err)
	}

	return &DiskCache{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (d *DiskCache) Close() error {
	return d.db.Close()
}

// Get looks up a cached response. A false second return covers both a
// genuine miss and any internal read error — callers always fall
// through to the durable tier on either.
func (d *DiskCache) Get(chainID int64, blockContext uint64, requestHash [32]byte) (json.RawMessage, bool) {
	var out json.RawMessage
	key := diskKey(chainID, blockContext, requestHash)

	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		if b == nil {
			return fmt.Errorf("bucket missing")
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("miss")
		}
		out = make(json.RawMessage, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, false
	}
	return out, true
}

// Put stores a response. Errors are swallowed: the disk tier is an
// optimization, never a dependency.
func (d *DiskCache) Put(chainID int64, blockContext uint64, requestHash [32]byte, response json.RawMessage) {
	key := diskKey(chainID, blockContext, requestHash)
	_ = d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		if b == nil {
			return fmt.Errorf("bucket missing")
		}
		return b.Put(key, response)
	})
}

// diskKey packs (chainID, blockContext, requestHash) into a fixed-width
// lexically sortable key; sortability is not relied upon today but costs
// nothing and matches bbolt's natural access pattern.
func diskKey(chainID int64, blockContext uint64, requestHash [32]byte) []byte {
	key := make([]byte, 8+8+32)
	binary.BigEndian.PutUint64(key[0:8], uint64(chainID))
	binary.BigEndian.PutUint64(key[8:16], blockContext)
	copy(key[16:], requestHash[:])
	return key
}
